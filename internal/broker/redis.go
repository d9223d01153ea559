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
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisBroker 基于 Redis list 的可靠队列：
//   - 主队列 jobq:{queue}（LPUSH 入队，BRPOPLPUSH 出队）
//   - 每个消费者一个 processing list，消费者在注册表挂名并按 TTL
//     续心跳；心跳消失的消费者其 processing list 被存活消费者回收
//   - 延迟重投走 zset jobq:{queue}:delayed，score 为到期时间
type redisBroker struct {
	client   *redis.Client
	consumer string
	logger   *slog.Logger
}

const (
	// heartbeatTTL 心跳过期即视为消费者死亡；消费循环至少每秒续一次
	heartbeatTTL = 30 * time.Second
	// reclaimInterval 存活消费者扫描死亡消费者遗留的间隔
	reclaimInterval = 10 * time.Second
)

// RedisConfig Redis broker 配置
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

// NewRedisBroker 创建 Redis broker 并探活
func NewRedisBroker(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis broker 连接失败: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBroker{
		client:   client,
		consumer: uuid.NewString(),
		logger:   logger,
	}, nil
}

func queueKey(queue string) string { return "jobq:" + queue }

func delayedKey(queue string) string { return "jobq:" + queue + ":delayed" }

func consumersKey(queue string) string { return "jobq:" + queue + ":consumers" }

func heartbeatKey(queue, consumer string) string {
	return "jobq:" + queue + ":heartbeat:" + consumer
}

func processingKeyFor(queue, consumer string) string {
	return "jobq:" + queue + ":processing:" + consumer
}

func (b *redisBroker) processingKey(queue string) string {
	return processingKeyFor(queue, b.consumer)
}

func (b *redisBroker) Publish(ctx context.Context, queue string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	if err := b.client.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("入队失败: %w", err)
	}
	return nil
}

func (b *redisBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if err := b.register(ctx, queue); err != nil {
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer b.deregister(queue)
		var lastReclaim time.Time
		for {
			if ctx.Err() != nil {
				return
			}
			b.heartbeat(ctx, queue)
			b.promoteDelayed(ctx, queue)
			if time.Since(lastReclaim) >= reclaimInterval {
				b.reclaimStale(ctx, queue)
				lastReclaim = time.Now()
			}

			raw, err := b.client.BRPopLPush(ctx, queueKey(queue), b.processingKey(queue), time.Second).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("broker 拉取失败", "queue", queue, "error", err)
				time.Sleep(time.Second)
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				// 坏消息：移出 processing，丢弃
				b.logger.Error("消息解析失败，丢弃", "queue", queue, "error", err)
				b.client.LRem(ctx, b.processingKey(queue), 1, raw)
				continue
			}

			d := Delivery{
				Message: msg,
				Ack: func(ctx context.Context) error {
					return b.client.LRem(ctx, b.processingKey(queue), 1, raw).Err()
				},
				Nack: func(ctx context.Context, delay time.Duration) error {
					msg.Attempt++
					next, err := json.Marshal(msg)
					if err != nil {
						return err
					}
					pipe := b.client.TxPipeline()
					if delay > 0 {
						pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
							Score:  float64(time.Now().Add(delay).UnixMilli()),
							Member: next,
						})
					} else {
						pipe.LPush(ctx, queueKey(queue), next)
					}
					pipe.LRem(ctx, b.processingKey(queue), 1, raw)
					_, err = pipe.Exec(ctx)
					return err
				},
			}

			select {
			case out <- d:
			case <-ctx.Done():
				// 未投出的消息退回主队列
				b.client.LPush(context.Background(), queueKey(queue), raw)
				b.client.LRem(context.Background(), b.processingKey(queue), 1, raw)
				return
			}
		}
	}()
	return out, nil
}

// register 在注册表挂名并写入首次心跳
func (b *redisBroker) register(ctx context.Context, queue string) error {
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, consumersKey(queue), b.consumer)
	pipe.Set(ctx, heartbeatKey(queue, b.consumer), 1, heartbeatTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// deregister 退出时只摘心跳，注册表挂名留给存活消费者回收：
// 在途投递的 processing 残留由同一条回收路径兜底
func (b *redisBroker) deregister(queue string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b.client.Del(ctx, heartbeatKey(queue, b.consumer))
}

func (b *redisBroker) heartbeat(ctx context.Context, queue string) {
	if err := b.client.Set(ctx, heartbeatKey(queue, b.consumer), 1, heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
		b.logger.Warn("心跳续期失败", "queue", queue, "error", err)
	}
}

// reclaimStale 把心跳消失的消费者的 processing list 搬回主队列。
// 回收后消息会再次投递，重复交由台账的终态保护吸收。
func (b *redisBroker) reclaimStale(ctx context.Context, queue string) {
	ids, err := b.client.SMembers(ctx, consumersKey(queue)).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("读取消费者注册表失败", "queue", queue, "error", err)
		}
		return
	}
	for _, id := range ids {
		if id == b.consumer {
			continue
		}
		alive, err := b.client.Exists(ctx, heartbeatKey(queue, id)).Result()
		if err != nil || alive > 0 {
			continue
		}
		var reclaimed int
		for {
			_, err := b.client.RPopLPush(ctx, processingKeyFor(queue, id), queueKey(queue)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("回收遗留消息失败", "queue", queue, "consumer", id, "error", err)
				}
				return
			}
			reclaimed++
		}
		b.client.SRem(ctx, consumersKey(queue), id)
		if reclaimed > 0 {
			b.logger.Info("回收死亡消费者的在途消息", "queue", queue, "consumer", id, "count", reclaimed)
		}
	}
}

// promoteDelayed 将到期的延迟消息搬回主队列
func (b *redisBroker) promoteDelayed(ctx context.Context, queue string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	pipe := b.client.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, queueKey(queue), m)
		pipe.ZRem(ctx, delayedKey(queue), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("延迟消息搬运失败", "queue", queue, "error", err)
	}
}

func (b *redisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}
