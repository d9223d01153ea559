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

// Package http 任务平台的 HTTP 面：任务提交/查询、向量面与探活。
package http

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"job-platform/internal/broker"
	"job-platform/internal/ingest"
	"job-platform/internal/jobkey"
	"job-platform/internal/ledger"
	"job-platform/internal/model/embedding"
	"job-platform/internal/storage/vector"
	pkgauth "job-platform/pkg/auth"
	pkgerrors "job-platform/pkg/errors"
	"job-platform/pkg/log"
	"job-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	ingest *ingest.Service
	status *ingest.StatusReader
	logger *log.Logger

	// readyz 探活依赖
	ledger ledger.Store
	broker broker.Broker

	// 向量面（可选）
	vectors    vector.Store
	embedder   embedding.Embedder
	collection string
}

// NewHandler 创建 HTTP 处理器
func NewHandler(ing *ingest.Service, status *ingest.StatusReader, logger *log.Logger) *Handler {
	return &Handler{ingest: ing, status: status, logger: logger}
}

// SetReadyChecks 注入就绪探活依赖
func (h *Handler) SetReadyChecks(store ledger.Store, b broker.Broker) {
	h.ledger = store
	h.broker = b
}

// SetVectorSurface 注入向量面依赖；未注入时相关路由返回 503
func (h *Handler) SetVectorSurface(vs vector.Store, emb embedding.Embedder, collection string) {
	h.vectors = vs
	h.embedder = emb
	h.collection = collection
}

// HealthCheck 存活探针
// GET /healthz
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "job-platform-api",
	})
}

// Ready 就绪探针：检查 Postgres 与 broker 连通性
// GET /readyz
func (h *Handler) Ready(c context.Context, ctx *app.RequestContext) {
	checks := map[string]string{}
	ready := true
	if h.ledger != nil {
		if err := h.ledger.Ping(c); err != nil {
			checks["ledger"] = err.Error()
			ready = false
		} else {
			checks["ledger"] = "ok"
		}
	}
	if h.broker != nil {
		if err := h.broker.Ping(c); err != nil {
			checks["broker"] = err.Error()
			ready = false
		} else {
			checks["broker"] = "ok"
		}
	}
	status := consts.StatusOK
	if !ready {
		status = consts.StatusServiceUnavailable
	}
	ctx.JSON(status, map[string]any{"ready": ready, "checks": checks})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type submitJobRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Queue          string         `json:"queue"`
	MaxAttempts    int            `json:"max_attempts"`
	Backoff        string         `json:"backoff"`
	Priority       int            `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// SubmitJob 提交任务（幂等）
// POST /api/jobs
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	var req submitJobRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不合法: " + err.Error()})
		return
	}

	job, created, err := h.ingest.Submit(c, orgID, ingest.SubmitRequest{
		Type:           req.Type,
		Payload:        req.Payload,
		Queue:          req.Queue,
		MaxAttempts:    req.MaxAttempts,
		Backoff:        req.Backoff,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		RequestedBy:    pkgauth.GetUserID(c),
	})
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"created": created,
		"job":     h.status.Render(job),
	})
}

// GetJob 查询任务状态
// GET /api/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	view, err := h.status.Get(c, orgID, ctx.Param("id"))
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, view)
}

// GetJobEvents 查询任务事件流
// GET /api/jobs/:id/events
func (h *Handler) GetJobEvents(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	events, err := h.status.Events(c, orgID, ctx.Param("id"), queryInt(ctx, "limit", 0))
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"events": events})
}

// ListJobs 列出租户任务，支持 status 过滤
// GET /api/jobs
func (h *Handler) ListJobs(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	views, err := h.status.List(c, orgID, ctx.Query("status"), queryInt(ctx, "limit", 0))
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

// JobStats 租户任务状态统计
// GET /api/jobs/stats
func (h *Handler) JobStats(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	stats, err := h.status.Stats(c, orgID)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"stats": stats})
}

type mockEmbeddingRequest struct {
	AssetID   string `json:"asset_id"`
	SegmentID string `json:"segment_id"`
}

// MockEmbedding 提交确定性伪向量任务，幂等键为
// {asset_id, segment_id, model:"mock", model_ver:"v1"}
// POST /api/vectors/mock
func (h *Handler) MockEmbedding(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	var req mockEmbeddingRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不合法: " + err.Error()})
		return
	}
	if req.AssetID == "" || req.SegmentID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "asset_id 与 segment_id 不能为空"})
		return
	}

	key := map[string]any{
		"asset_id":   req.AssetID,
		"segment_id": req.SegmentID,
		"model":      "mock",
		"model_ver":  "v1",
	}
	job, created, err := h.ingest.Submit(c, orgID, ingest.SubmitRequest{
		Type:        "mock_embedding",
		Payload:     key,
		KeyPayload:  key,
		OutboxBody:  map[string]any{"asset_id": req.AssetID, "segment_id": req.SegmentID},
		RequestedBy: pkgauth.GetUserID(c),
	})
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{"job_id": job.ID, "created": created})
}

type embedTextRequest struct {
	AssetID   string `json:"asset_id"`
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
}

// EmbedText 提交真实向量化任务。原文只进 broker 消息体，
// 任务行与幂等键只带 text_hash。
// POST /api/vectors/embed
func (h *Handler) EmbedText(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	if h.embedder == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "embedding 模型未配置"})
		return
	}
	var req embedTextRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不合法: " + err.Error()})
		return
	}
	if req.AssetID == "" || req.SegmentID == "" || req.Text == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "asset_id/segment_id/text 不能为空"})
		return
	}

	textHash := jobkey.TextHash(req.Text)
	key := map[string]any{
		"asset_id":   req.AssetID,
		"segment_id": req.SegmentID,
		"text_hash":  textHash,
		"model":      h.embedder.Model(),
		"model_ver":  "v1",
	}
	job, created, err := h.ingest.Submit(c, orgID, ingest.SubmitRequest{
		Type:       "dispatch_embed_text",
		Payload:    key,
		KeyPayload: key,
		OutboxBody: map[string]any{
			"asset_id":   req.AssetID,
			"segment_id": req.SegmentID,
			"text":       req.Text,
		},
		RequestedBy: pkgauth.GetUserID(c),
	})
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"created":   created,
		"text_hash": textHash,
	})
}

type searchRequest struct {
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	AssetID   string `json:"asset_id"`
	SegmentID string `json:"segment_id"`
}

// SearchVectors 查询时推理，直接检索，不经任务核心
// POST /api/vectors/search
func (h *Handler) SearchVectors(c context.Context, ctx *app.RequestContext) {
	orgID, ok := h.orgID(c, ctx)
	if !ok {
		return
	}
	if h.vectors == nil || h.embedder == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "向量检索未配置"})
		return
	}
	var req searchRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不合法: " + err.Error()})
		return
	}
	if req.Query == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "query 不能为空"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	vecs, err := h.embedder.Embed(c, []string{req.Query})
	if err != nil {
		h.logger.Error("查询向量化失败", "error", err)
		ctx.JSON(consts.StatusBadGateway, map[string]string{"error": "查询向量化失败"})
		return
	}

	filter := map[string]string{"org_id": orgID}
	if req.AssetID != "" {
		filter["asset_id"] = req.AssetID
	}
	if req.SegmentID != "" {
		filter["segment_id"] = req.SegmentID
	}
	results, err := h.vectors.Search(c, h.collection, vecs[0], &vector.SearchOptions{
		TopK:   req.TopK,
		Filter: filter,
	})
	if err != nil {
		h.logger.Error("向量检索失败", "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "向量检索失败"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"results": results, "count": len(results)})
}

// orgID 解析租户：优先 JWT claims 注入的上下文，其次 X-Org-ID 头
//（认证关闭时的开发模式）。缺失时直接写 401 并返回 false。
func (h *Handler) orgID(c context.Context, ctx *app.RequestContext) (string, bool) {
	org := pkgauth.GetOrgID(c)
	if org == "" {
		org = string(ctx.GetHeader("X-Org-ID"))
	}
	if org == "" {
		ctx.JSON(consts.StatusUnauthorized, map[string]string{"error": "缺少租户标识"})
		return "", false
	}
	return org, true
}

func (h *Handler) writeError(ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, pkgerrors.ErrForbidden):
		ctx.JSON(consts.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, pkgerrors.ErrInvalidArg):
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidTransition):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("请求处理失败", "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func queryInt(ctx *app.RequestContext, name string, def int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
