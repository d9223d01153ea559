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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-platform/internal/broker"
	"job-platform/internal/ledger"
	pkgerrors "job-platform/pkg/errors"
	"job-platform/pkg/metrics"
	"job-platform/pkg/tracing"
)

// Runtime worker 运行时：消费队列、驱动状态机、裁决重试
type Runtime struct {
	store       ledger.Store
	broker      broker.Broker
	queue       string
	concurrency int
	backoff     BackoffPolicy
	workerID    string
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Config worker 运行时配置
type Config struct {
	Queue       string
	Concurrency int // <=0 默认 4
	Backoff     BackoffPolicy
}

// NewRuntime 创建运行时
func NewRuntime(store ledger.Store, b broker.Broker, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()[:8]
	return &Runtime{
		store:       store,
		broker:      b,
		queue:       cfg.Queue,
		concurrency: cfg.Concurrency,
		backoff:     cfg.Backoff,
		workerID:    id,
		logger:      logger.With("component", "worker", "worker_id", id),
		handlers:    make(map[string]Handler),
	}
}

// Register 注册任务处理器，任务名即任务类型
func (r *Runtime) Register(task string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = h
}

// ValidateTasks 校验配置中的任务名都有处理器，启动期调用
func (r *Runtime) ValidateTasks(tasks []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range tasks {
		if _, ok := r.handlers[t]; !ok {
			return fmt.Errorf("任务 %q 没有注册处理器", t)
		}
	}
	return nil
}

// Run 消费队列直到 ctx 取消；取消后等在执行的任务完成
func (r *Runtime) Run(ctx context.Context) error {
	ch, err := r.broker.Consume(ctx, r.queue)
	if err != nil {
		return fmt.Errorf("订阅队列失败: %w", err)
	}
	r.logger.Info("worker 启动", "queue", r.queue, "concurrency", r.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range ch {
				r.handleDelivery(ctx, d)
			}
		}()
	}
	wg.Wait()
	r.logger.Info("worker 退出")
	return nil
}

// handleDelivery 处理一次投递。投递总以 Ack 或 Nack 收尾。
func (r *Runtime) handleDelivery(ctx context.Context, d broker.Delivery) {
	logger := r.logger.With("task", d.Task, "outbox_id", d.ID)

	var body map[string]any
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &body); err != nil {
			logger.Error("消息体解析失败，丢弃", "error", err)
			d.Ack(ctx)
			return
		}
	}
	jobID, _ := body["job_id"].(string)
	orgID, _ := body["org_id"].(string)
	if jobID == "" || orgID == "" {
		logger.Error("消息缺少任务标识，丢弃")
		d.Ack(ctx)
		return
	}
	logger = logger.With("job_id", jobID)

	r.mu.RLock()
	handler, ok := r.handlers[d.Task]
	r.mu.RUnlock()
	if !ok {
		// 无处理器的消息是配置错误；丢弃避免死循环重投
		logger.Error("没有注册处理器，丢弃消息")
		d.Ack(ctx)
		return
	}

	job, err := r.store.GetJob(ctx, orgID, jobID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) || errors.Is(err, pkgerrors.ErrForbidden) {
			logger.Warn("任务不存在或租户不匹配，丢弃消息")
			d.Ack(ctx)
			return
		}
		logger.Error("读取任务失败，稍后重投", "error", err)
		d.Nack(ctx, r.backoff.Delay(1))
		return
	}

	// 终态保护：重复投递直接确认，不再执行
	if job.Status.Terminal() {
		logger.Info("任务已是终态，忽略重复投递", "status", job.Status)
		d.Ack(ctx)
		return
	}

	// queued/failed/running 都能进入 running：running 重入恢复崩溃
	// 消费者的重投，failed 直达 running 覆盖重排队前的崩溃窗口
	running, err := r.store.Transition(ctx, job.ID, ledger.StatusRunning, ledger.TransitionOpts{
		Detail: map[string]any{"worker_id": r.workerID, "delivery_attempt": d.Attempt},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			// 与另一个消费者的完成竞争：稍后重投，由终态保护收敛
			logger.Info("任务不在可执行状态，稍后重投", "status", job.Status)
			d.Nack(ctx, r.backoff.Delay(1))
			return
		}
		logger.Error("进入 running 失败，稍后重投", "error", err)
		d.Nack(ctx, r.backoff.Delay(1))
		return
	}

	metrics.WorkerBusy.WithLabelValues(r.workerID).Inc()
	start := time.Now()
	execCtx, span := tracing.StartJobSpan(ctx, running.ID, running.Type)
	result, execErr := handler.Execute(execCtx, &Task{
		Job:  running,
		Body: body,
		Progress: func(ctx context.Context, progress int, stage string) error {
			return r.store.UpdateProgress(ctx, running.ID, progress, stage)
		},
	})
	if execErr != nil {
		span.RecordError(execErr)
	}
	span.End()
	metrics.WorkerBusy.WithLabelValues(r.workerID).Dec()

	if execErr == nil {
		// 处理器结果嵌入 succeeded 事件，状态接口从这里取 result
		detail := map[string]any{"worker_id": r.workerID}
		if len(result) > 0 {
			detail["result"] = result
		}
		if _, err := r.store.Transition(ctx, running.ID, ledger.StatusSucceeded, ledger.TransitionOpts{Detail: detail}); err != nil {
			logger.Error("标记成功失败，重投由终态保护兜底", "error", err)
			d.Nack(ctx, r.backoff.Delay(1))
			return
		}
		metrics.JobTotal.WithLabelValues(running.Type, string(ledger.StatusSucceeded)).Inc()
		metrics.JobDuration.WithLabelValues(running.Type).Observe(time.Since(start).Seconds())
		logger.Info("任务成功", "duration", time.Since(start))
		d.Ack(ctx)
		return
	}

	r.settleFailure(ctx, logger, running, execErr, d)
}

// settleFailure 失败裁决：校验类错误直接死信；其余按 attempt 与
// max_attempts 决定重排队或死信。
func (r *Runtime) settleFailure(ctx context.Context, logger *slog.Logger, job *ledger.Job, execErr error, d broker.Delivery) {
	permanent := errors.Is(execErr, pkgerrors.ErrInvalidArg)
	errCode := "handler_failure"
	if permanent {
		errCode = "validation"
	}
	failed, err := r.store.Transition(ctx, job.ID, ledger.StatusFailed, ledger.TransitionOpts{
		Err:     execErr.Error(),
		ErrCode: errCode,
		Detail:  map[string]any{"worker_id": r.workerID},
	})
	if err != nil {
		logger.Error("进入 failed 失败，稍后重投", "error", err)
		d.Nack(ctx, r.backoff.Delay(1))
		return
	}
	nextAttempt := failed.Attempt + 1
	exhausted := nextAttempt >= failed.MaxAttempts

	if permanent || exhausted {
		if _, err := r.store.Transition(ctx, failed.ID, ledger.StatusDeadLetter, ledger.TransitionOpts{
			Detail: map[string]any{"permanent": permanent, "attempt": nextAttempt},
		}); err != nil {
			logger.Error("进入 dead_letter 失败，稍后重投", "error", err)
			d.Nack(ctx, r.backoff.Delay(1))
			return
		}
		metrics.JobTotal.WithLabelValues(failed.Type, string(ledger.StatusDeadLetter)).Inc()
		logger.Warn("任务死信", "error", execErr, "attempt", nextAttempt, "permanent", permanent)
		d.Ack(ctx)
		return
	}

	if _, err := r.store.Transition(ctx, failed.ID, ledger.StatusQueued, ledger.TransitionOpts{}); err != nil {
		logger.Error("重排队失败，稍后重投", "error", err)
		d.Nack(ctx, r.backoff.Delay(1))
		return
	}
	metrics.WorkerRetryTotal.WithLabelValues(failed.Type).Inc()
	delay := r.backoff.With(string(failed.Backoff)).Delay(nextAttempt)
	logger.Warn("任务失败，退避后重试", "error", execErr, "attempt", nextAttempt, "delay", delay)
	d.Nack(ctx, delay)
}
