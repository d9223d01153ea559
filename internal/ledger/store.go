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

package ledger

import (
	"context"
	"errors"

	"job-platform/internal/outbox"
)

// ErrInvalidTransition 状态机不允许的迁移
var ErrInvalidTransition = errors.New("invalid job state transition")

// TransitionOpts 迁移附加信息
type TransitionOpts struct {
	Err     string         // 非空时写入 last_error（截断到 2048）
	ErrCode string         // 非空时写入 last_error_code（错误分类，不对外暴露）
	Detail  map[string]any // 写入事件 detail
}

// Store 任务台账存储
type Store interface {
	// CreateJob 原子提交：任务行、创建事件与 outbox 行同事务落库。
	// (org_id, job_key) 或非空的 (org_id, idempotency_key) 已存在时
	// 返回现有任务且 created=false，不产生新事件与新 outbox 行。
	// 非法的 Backoff 值在此拒绝。
	CreateJob(ctx context.Context, job *Job, draft *outbox.Draft) (*Job, bool, error)

	// GetJob 按 id 取任务，租户不匹配或不存在返回 ErrNotFound
	GetJob(ctx context.Context, orgID, jobID string) (*Job, error)

	// GetJobByKey 按幂等键取任务
	GetJobByKey(ctx context.Context, orgID, jobKey string) (*Job, error)

	// ListJobs 列出租户任务，status 为空时不过滤；按 created_at 倒序
	ListJobs(ctx context.Context, orgID string, status Status, limit int) ([]*Job, error)

	// CountByStatus 按状态统计租户任务数
	CountByStatus(ctx context.Context, orgID string) (map[Status]int, error)

	// Transition 在行锁下迁移状态：
	//   - 非法迁移返回 ErrInvalidTransition（含任何离开终态的迁移）
	//   - running → running 是合法重入，恢复崩溃消费者的重投
	//   - 首次进入 running 设置 started_at
	//   - 进入终态设置 finished_at
	//   - 每次离开 failed 时 attempt+1
	//   - 同事务追加迁移事件
	// 返回迁移后的任务。
	Transition(ctx context.Context, jobID string, to Status, opts TransitionOpts) (*Job, error)

	// UpdateProgress 更新进度与阶段，不触发状态迁移
	UpdateProgress(ctx context.Context, jobID string, progress int, stage string) error

	// ListEvents 按时间序返回任务事件
	ListEvents(ctx context.Context, jobID string, limit int) ([]*Event, error)

	// Ping 探活
	Ping(ctx context.Context) error

	// Close 释放资源
	Close()
}
