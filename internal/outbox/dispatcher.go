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

package outbox

import (
	"context"
	"log/slog"
	"time"

	"job-platform/internal/broker"
	"job-platform/pkg/metrics"
	"job-platform/pkg/tracing"
)

// Dispatcher 周期性认领未发送 outbox 行并发布到 broker。
// 可多实例并行：认领使用行级锁互斥，同一行至多一个实例拿到。
type Dispatcher struct {
	store    Store
	broker   broker.Broker
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// DispatcherConfig 派发器配置
type DispatcherConfig struct {
	Interval time.Duration // <=0 默认 500ms
	Batch    int           // <=0 默认 100
}

// NewDispatcher 创建派发器
func NewDispatcher(store Store, b broker.Broker, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		broker:   b,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		logger:   logger.With("component", "outbox_dispatcher"),
	}
}

// Run 运行派发循环直到 ctx 取消；取消时完成进行中的一轮再退出。
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("outbox 派发器启动", "interval", d.interval, "batch", d.batch)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox 派发器停止")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick 执行一轮派发
func (d *Dispatcher) tick(ctx context.Context) {
	ctx, span := tracing.StartDispatchSpan(ctx, d.batch)
	defer span.End()

	sent, failed, err := d.store.DispatchPending(ctx, d.batch, d.publish)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("派发轮次失败", "error", err)
		}
		return
	}
	if sent > 0 {
		metrics.OutboxDispatchedTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		metrics.OutboxDispatchedTotal.WithLabelValues("publish_error").Add(float64(failed))
		metrics.OutboxPublishFailTotal.Add(float64(failed))
		d.logger.Warn("部分 outbox 行发布失败，留待重试", "sent", sent, "failed", failed)
	}
	if age, err := d.store.OldestPendingAge(ctx); err == nil {
		metrics.OutboxPendingAge.Set(age.Seconds())
	}
}

func (d *Dispatcher) publish(ctx context.Context, row *Row) error {
	return d.broker.Publish(ctx, row.Queue, broker.Message{
		ID:   row.ID,
		Task: row.Task,
		Body: row.Body,
	})
}

// Sweeper 周期性删除超过保留期的已发送行
type Sweeper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper 创建清理器；retention <=0 默认 24h
func NewSweeper(store Store, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  time.Hour,
		logger:    logger.With("component", "outbox_sweeper"),
	}
}

// Run 运行清理循环直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.SweepSent(ctx, s.retention)
			if err != nil {
				s.logger.Error("outbox 清理失败", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("已清理发送完成的 outbox 行", "removed", removed)
			}
		}
	}
}
