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

package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"job-platform/pkg/auth"
)

// NewJWTAuth 创建 JWT 校验中间件（HS256）。令牌由外部签发，
// 必须携带 sub（用户）与 org_id（租户）两个 claim。
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "job-platform",
		Key:           key,
		Timeout:       timeout,
		MaxRefresh:    maxRefresh,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		IdentityKey:   "sub",
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			sub, _ := claims["sub"].(string)
			return sub
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
}

// ClaimsToContext 将 JWT claims 注入请求上下文，供业务层读取租户与用户。
// 必须挂在 JWT 中间件之后。
func ClaimsToContext() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		claims := jwt.ExtractClaims(ctx, c)
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			ctx = auth.WithUserID(ctx, sub)
		}
		if org, ok := claims["org_id"].(string); ok && org != "" {
			ctx = auth.WithOrgID(ctx, org)
		}
		if role, ok := claims["role"].(string); ok && role != "" {
			ctx = auth.WithRole(ctx, role)
		}
		c.Next(ctx)
	}
}
