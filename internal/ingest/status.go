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

package ingest

import (
	"context"
	"time"

	"job-platform/internal/ledger"
)

// VocabularyMode 状态词汇表
type VocabularyMode string

const (
	// VocabInternal 暴露台账原生状态
	VocabInternal VocabularyMode = "internal"
	// VocabLegacy 旧版四态词汇表（pending/processing/completed/failed）
	VocabLegacy VocabularyMode = "legacy"
)

// legacyStatus 旧词汇表映射。failed（待重试）对外仍是 pending，
// 重试耗尽的 dead_letter 才是对外的 failed。
var legacyStatus = map[ledger.Status]string{
	ledger.StatusQueued:     "pending",
	ledger.StatusFailed:     "pending",
	ledger.StatusRunning:    "processing",
	ledger.StatusSucceeded:  "completed",
	ledger.StatusDeadLetter: "failed",
	ledger.StatusCanceled:   "canceled",
}

// legacyFilter 旧词汇表的查询过滤反查（一对多取语义最近者）
var legacyFilter = map[string]ledger.Status{
	"pending":    ledger.StatusQueued,
	"processing": ledger.StatusRunning,
	"completed":  ledger.StatusSucceeded,
	"failed":     ledger.StatusDeadLetter,
	"canceled":   ledger.StatusCanceled,
}

// StatusView 对外的任务状态投影
type StatusView struct {
	JobID       string     `json:"job_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Stage       string     `json:"stage,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// EventView 对外的事件投影
type EventView struct {
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StatusReader 任务状态读取器，词汇表由配置决定
type StatusReader struct {
	store ledger.Store
	mode  VocabularyMode
}

// NewStatusReader 创建状态读取器；未知 mode 按 internal 处理
func NewStatusReader(store ledger.Store, mode string) *StatusReader {
	m := VocabularyMode(mode)
	if m != VocabLegacy {
		m = VocabInternal
	}
	return &StatusReader{store: store, mode: m}
}

// Get 读取单个任务状态；不存在返回 ErrNotFound，跨租户返回 ErrForbidden。
// 成功任务的 result 取自 succeeded 事件的 detail。
func (r *StatusReader) Get(ctx context.Context, orgID, jobID string) (*StatusView, error) {
	job, err := r.store.GetJob(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	view := r.Render(job)
	if job.Status == ledger.StatusSucceeded {
		events, err := r.store.ListEvents(ctx, jobID, 0)
		if err != nil {
			return nil, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].To != ledger.StatusSucceeded {
				continue
			}
			if res, ok := events[i].Detail["result"].(map[string]any); ok {
				view.Result = res
			}
			break
		}
	}
	return view, nil
}

// Events 读取任务事件流（先校验租户归属）
func (r *StatusReader) Events(ctx context.Context, orgID, jobID string, limit int) ([]*EventView, error) {
	if _, err := r.store.GetJob(ctx, orgID, jobID); err != nil {
		return nil, err
	}
	events, err := r.store.ListEvents(ctx, jobID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*EventView, 0, len(events))
	for _, e := range events {
		out = append(out, &EventView{
			From:      r.render(e.From),
			To:        r.render(e.To),
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}

// List 列出租户任务；status 过滤按当前词汇表解释
func (r *StatusReader) List(ctx context.Context, orgID, status string, limit int) ([]*StatusView, error) {
	filter := ledger.Status(status)
	if r.mode == VocabLegacy && status != "" {
		if mapped, ok := legacyFilter[status]; ok {
			filter = mapped
		}
	}
	jobs, err := r.store.ListJobs(ctx, orgID, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*StatusView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, r.Render(j))
	}
	return out, nil
}

// Stats 按状态统计租户任务数（对外词汇表下合并）
func (r *StatusReader) Stats(ctx context.Context, orgID string) (map[string]int, error) {
	counts, err := r.store.CountByStatus(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[r.render(status)] += n
	}
	return out, nil
}

// Render 将任务投影为当前词汇表下的对外视图
func (r *StatusReader) Render(j *ledger.Job) *StatusView {
	return &StatusView{
		JobID:       j.ID,
		Type:        j.Type,
		Status:      r.render(j.Status),
		Progress:    j.Progress,
		Stage:       j.Stage,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}

func (r *StatusReader) render(s ledger.Status) string {
	if s == "" {
		return ""
	}
	if r.mode == VocabLegacy {
		if mapped, ok := legacyStatus[s]; ok {
			return mapped
		}
	}
	return string(s)
}
