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

// Package ledger 维护任务台账：每个任务一行权威记录，
// 状态机约束所有迁移，附带仅追加的事件流。
// 提交路径上任务行、创建事件与 outbox 行在同一事务内落库。
package ledger

import "time"

// Status 任务状态
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"      // 非终态：等待重试决策
	StatusDeadLetter Status = "dead_letter" // 重试耗尽
	StatusCanceled   Status = "canceled"    // 预留：状态机可表达，无取消入口
)

// Terminal 终态不再迁移；terminal ⇔ finished_at 已设置
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDeadLetter, StatusCanceled:
		return true
	}
	return false
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusDeadLetter, StatusCanceled:
		return true
	}
	return false
}

// validTransitions 状态机。终态无出边。
// running 可重入：消费者崩溃后的重投以 running → running 恢复执行；
// failed 可直达 running：重投恰好落在 failed 与重排队之间时直接重试。
var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCanceled},
	StatusRunning: {StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusFailed:  {StatusQueued, StatusRunning, StatusDeadLetter},
}

// CanTransition 迁移是否合法
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BackoffPolicy 任务级重试退避策略，worker 据此计算重投延迟
type BackoffPolicy string

const (
	BackoffNone        BackoffPolicy = "none"
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffExponential BackoffPolicy = "exponential"
)

// Valid 是否为已知策略
func (p BackoffPolicy) Valid() bool {
	switch p {
	case BackoffNone, BackoffFixed, BackoffExponential:
		return true
	}
	return false
}

// Job 任务台账行
type Job struct {
	ID             string
	OrgID          string
	Type           string // 任务类型，如 process_mock
	Status         Status
	Payload        map[string]any
	JobKey         string        // 服务端幂等键，(org_id, job_key) 唯一
	IdempotencyKey string        // 客户端幂等键，可选；非空时 (org_id, idempotency_key) 唯一
	Attempt        int           // 每次离开 failed 时 +1
	MaxAttempts    int
	Backoff        BackoffPolicy // 重试退避策略，默认 exponential
	Priority       int           // 越大越优先，仅建议性
	RequestedBy    string        // 提交者归属（JWT sub 或服务名）
	Progress       int           // 0..100
	Stage          string
	LastError      string
	LastErrorCode  string // 错误分类码，仅服务端可见
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Event 任务状态迁移事件（仅追加）。创建事件 From 为空。
type Event struct {
	ID        string
	JobID     string
	From      Status
	To        Status
	Detail    map[string]any
	CreatedAt time.Time
}

// lastErrorMaxLen last_error 截断长度
const lastErrorMaxLen = 2048

func truncateError(s string) string {
	if len(s) > lastErrorMaxLen {
		return s[:lastErrorMaxLen]
	}
	return s
}
