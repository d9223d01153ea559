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

// Package broker 抽象消息代理：outbox 派发器发布，worker 消费。
// 至少一次投递语义；去重由台账的终态保护完成，不在这一层。
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Message 一条任务消息。Body 为 outbox 行的完整 payload。
type Message struct {
	ID      string          `json:"id"`      // outbox 行 id
	Task    string          `json:"task"`    // 任务名，如 process_mock
	Body    json.RawMessage `json:"body"`    // 任务参数（原样透传）
	Attempt int             `json:"attempt"` // broker 层投递次数，从 0 起
}

// Delivery 一次投递。消费方处理完成后必须调用 Ack 或 Nack 之一。
type Delivery struct {
	Message

	// Ack 确认消费完成，消息不再投递。
	Ack func(ctx context.Context) error

	// Nack 要求重投：delay > 0 时延迟 delay 后可见，否则立即回到队列。
	Nack func(ctx context.Context, delay time.Duration) error
}

// Broker 消息代理接口
type Broker interface {
	// Publish 发布消息到指定队列。成功返回后消息已持久到代理。
	Publish(ctx context.Context, queue string, msg Message) error

	// Consume 返回投递通道。ctx 取消后通道关闭。
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Ping 探活
	Ping(ctx context.Context) error

	// Close 释放连接
	Close() error
}
