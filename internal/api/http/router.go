// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"job-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler  *Handler
	mw       *middleware.Middleware
	jwtAuth  *jwt.HertzJWTMiddleware
	globalMW []app.HandlerFunc
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, mw: mw}
}

// SetJWT 启用 JWT 认证；不设置时业务路由依赖 X-Org-ID 头（开发模式）
func (r *Router) SetJWT(jwtAuth *jwt.HertzJWTMiddleware) {
	r.jwtAuth = jwtAuth
}

// Use 追加全局中间件（如 tracing），需在 Build 前调用
func (r *Router) Use(mws ...app.HandlerFunc) {
	r.globalMW = append(r.globalMW, mws...)
}

// Build 构建 Hertz server 并注册路由
func (r *Router) Build(addr string, opts ...hzconfig.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)
	if len(r.globalMW) > 0 {
		h.Use(r.globalMW...)
	}
	r.Register(h)
	return h
}

// Register 注册全部路由（测试可直接对裸 server 调用）
func (r *Router) Register(h *server.Hertz) {
	// 探活与指标不经认证
	h.GET("/healthz", r.handler.HealthCheck)
	h.GET("/readyz", r.handler.Ready)
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api", r.mw.CORS(), r.mw.AccessLog())
	if r.jwtAuth != nil {
		api.Use(r.jwtAuth.MiddlewareFunc(), middleware.ClaimsToContext())
	}

	jobs := api.Group("/jobs")
	{
		jobs.POST("", r.handler.SubmitJob)
		jobs.GET("", r.handler.ListJobs)
		jobs.GET("/stats", r.handler.JobStats)
		jobs.GET("/:id", r.handler.GetJob)
		jobs.GET("/:id/events", r.handler.GetJobEvents)
	}

	vectors := api.Group("/vectors")
	{
		vectors.POST("/mock", r.handler.MockEmbedding)
		vectors.POST("/embed", r.handler.EmbedText)
		vectors.POST("/search", r.handler.SearchVectors)
	}
}
