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

// Package outbox 实现事务性发件箱：任务提交时 outbox 行与任务行
// 同事务写入，派发器随后独占认领未发送行并发布到 broker。
// 发布成功才标记 sent_at，失败行留待下一轮，投递语义为至少一次。
package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Draft 待写入的 outbox 行（提交任务时与任务同事务落库）。
// JobID 由台账在落库时填入。
type Draft struct {
	JobID string         // 所属任务；任务删除时级联删除
	Queue string         // 目标队列
	Task  string         // 任务名，如 process_mock
	Body  map[string]any // 任务参数，发布时原样作为消息体
}

// Row 已落库的 outbox 行
type Row struct {
	ID        string
	JobID     string
	Queue     string
	Task      string
	Body      json.RawMessage
	CreatedAt time.Time
	SentAt    *time.Time
	Attempts  int // 发布尝试次数
	LastError string
}

// PublishFunc 将一行发布到 broker。返回 nil 视为发布成功。
type PublishFunc func(ctx context.Context, row *Row) error

// Store outbox 存储接口。行的写入发生在台账的提交事务内，
// 这里只负责认领、标记与清理。
type Store interface {
	// DispatchPending 认领至多 limit 条未发送行（跨实例互斥），
	// 逐条调用 publish：成功则标记 sent_at，失败则累加 attempts
	// 并留在未发送集合。返回本轮成功与失败条数。
	DispatchPending(ctx context.Context, limit int, publish PublishFunc) (sent int, failed int, err error)

	// SweepSent 删除 sent_at 早于 olderThan 之前的已发送行。
	// 从不触碰未发送行。
	SweepSent(ctx context.Context, olderThan time.Duration) (int64, error)

	// OldestPendingAge 最老未发送行的年龄；无未发送行时返回 0。
	OldestPendingAge(ctx context.Context) (time.Duration, error)
}
