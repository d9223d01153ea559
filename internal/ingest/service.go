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

// Package ingest 受理任务提交并投影任务状态。
// 提交是唯一的任务入口：计算幂等键，经台账原子落库（任务 + 事件 + outbox）。
package ingest

import (
	"context"
	"log/slog"
	"strings"

	"job-platform/internal/jobkey"
	"job-platform/internal/ledger"
	"job-platform/internal/outbox"
	pkgerrors "job-platform/pkg/errors"
)

// Service 任务提交服务
type Service struct {
	store              ledger.Store
	defaultQueue       string
	defaultMaxAttempts int
	logger             *slog.Logger
}

// NewService 创建提交服务
func NewService(store ledger.Store, defaultQueue string, defaultMaxAttempts int, logger *slog.Logger) *Service {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:              store,
		defaultQueue:       defaultQueue,
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger.With("component", "ingest"),
	}
}

// SubmitRequest 一次任务提交
type SubmitRequest struct {
	Type    string         // 任务类型（即 worker 侧任务名）
	Payload map[string]any // 任务参数，落入任务行

	// KeyPayload 参与幂等键计算的字段；nil 时使用 Payload。
	// 嵌入类任务用它携带 text_hash 而非原文。
	KeyPayload map[string]any

	// OutboxBody broker 消息体；nil 时默认 {"payload": Payload}。
	// 台账落库时注入 job_id 与 org_id。
	OutboxBody map[string]any

	// IdempotencyKey 客户端幂等键，可选；非空时 (org_id, idempotency_key)
	// 撞上现有任务同样视为幂等命中。
	IdempotencyKey string

	Queue       string
	MaxAttempts int
	Backoff     string // none | fixed | exponential；空用 exponential
	Priority    int    // 越大越优先，仅建议性
	RequestedBy string // 提交者归属（JWT sub 或服务名）
}

// Submit 提交任务。幂等：同租户下等价提交返回现有任务，created=false。
func (s *Service) Submit(ctx context.Context, orgID string, req SubmitRequest) (*ledger.Job, bool, error) {
	if orgID == "" {
		return nil, false, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "org_id 不能为空")
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, false, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "任务类型不能为空")
	}
	backoff := ledger.BackoffPolicy(req.Backoff)
	if req.Backoff != "" && !backoff.Valid() {
		return nil, false, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知退避策略 %q", req.Backoff)
	}

	keyPayload := req.KeyPayload
	if keyPayload == nil {
		keyPayload = req.Payload
	}
	key, err := jobkey.Compute(orgID, req.Type, keyPayload)
	if err != nil {
		return nil, false, err
	}

	queue := req.Queue
	if queue == "" {
		queue = s.defaultQueue
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	body := req.OutboxBody
	if body == nil {
		body = map[string]any{"payload": req.Payload}
	}

	job, created, err := s.store.CreateJob(ctx, &ledger.Job{
		OrgID:          orgID,
		Type:           req.Type,
		Payload:        req.Payload,
		JobKey:         key,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		Backoff:        backoff,
		Priority:       req.Priority,
		RequestedBy:    req.RequestedBy,
	}, &outbox.Draft{Queue: queue, Task: req.Type, Body: body})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("任务已受理", "job_id", job.ID, "type", job.Type, "org_id", orgID)
	} else {
		s.logger.Debug("幂等命中，返回现有任务", "job_id", job.ID, "org_id", orgID)
	}
	return job, created, nil
}
