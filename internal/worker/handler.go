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

// Package worker 消费 broker 消息并执行任务：终态保护拦截重复投递，
// 校验类错误直接死信，其余错误按退避策略重投直至耗尽。
package worker

import (
	"context"

	"job-platform/internal/ledger"
)

// ProgressFunc 上报执行进度（0..100）与阶段名
type ProgressFunc func(ctx context.Context, progress int, stage string) error

// Task 一次任务执行的输入。Body 是 broker 消息体：
// 原文等敏感载荷只经 outbox/broker 传递，不落任务行。
type Task struct {
	Job      *ledger.Job
	Body     map[string]any
	Progress ProgressFunc
}

// Handler 任务处理器。成功时返回的 result 嵌入 succeeded 事件的
// detail，经状态接口对外可见。返回 pkg/errors.ErrInvalidArg
//（或其包装）视为永久失败，直接死信不重试。
type Handler interface {
	Execute(ctx context.Context, t *Task) (map[string]any, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, t *Task) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, t *Task) (map[string]any, error) { return f(ctx, t) }
