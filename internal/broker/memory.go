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

package broker

import (
	"context"
	"sync"
	"time"
)

// memoryBroker 进程内 broker，用于测试与单进程部署。
// 语义与 Redis 实现一致：至少一次投递，Nack 可带延迟。
type memoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Message
	buf    int
	closed bool
}

// NewMemoryBroker 创建内存 broker
func NewMemoryBroker() Broker {
	return &memoryBroker{
		queues: make(map[string]chan Message),
		buf:    1024,
	}
}

func (b *memoryBroker) queue(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, b.buf)
		b.queues[name] = q
	}
	return q
}

func (b *memoryBroker) Publish(ctx context.Context, queue string, msg Message) error {
	select {
	case b.queue(queue) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *memoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	q := b.queue(queue)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-q:
				d := Delivery{
					Message: msg,
					Ack: func(ctx context.Context) error {
						return nil
					},
					// Nack 不丢消息：队列满时阻塞等待空位
					Nack: func(ctx context.Context, delay time.Duration) error {
						next := msg
						next.Attempt++
						if delay <= 0 {
							select {
							case q <- next:
								return nil
							case <-ctx.Done():
								return ctx.Err()
							}
						}
						time.AfterFunc(delay, func() {
							q <- next
						})
						return nil
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *memoryBroker) Ping(ctx context.Context) error { return nil }

func (b *memoryBroker) Close() error { return nil }
