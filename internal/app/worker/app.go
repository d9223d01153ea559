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

// Package worker Worker 进程装配：broker 消费 + 任务处理器注册。
// Worker 是数据面：只执行任务，不受理提交。
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"job-platform/internal/app"
	"job-platform/internal/broker"
	"job-platform/internal/model/embedding"
	"job-platform/internal/storage/vector"
	"job-platform/internal/worker"
	"job-platform/pkg/config"
	"job-platform/pkg/log"
	"job-platform/pkg/tracing"
	"job-platform/pkg/utils"
)

// App Worker 应用
type App struct {
	config  *config.Config
	logger  *log.Logger
	stores  *app.Stores
	broker  broker.Broker
	runtime *worker.Runtime

	tracerProvider *sdktrace.TracerProvider
	cancel         context.CancelFunc
	done           sync.WaitGroup
}

// NewApp 装配 Worker：存储、broker、处理器注册与启动期校验
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	logger := bootstrap.Logger

	ctx := context.Background()
	stores, err := app.NewStores(ctx, bootstrap)
	if err != nil {
		return nil, err
	}
	brk, err := app.NewBroker(ctx, bootstrap)
	if err != nil {
		return nil, err
	}

	rt := worker.NewRuntime(stores.Ledger, brk, worker.Config{
		Queue:       cfg.Broker.Queue,
		Concurrency: cfg.Worker.Concurrency,
		Backoff: worker.BackoffPolicy{
			Kind: cfg.Worker.Backoff,
			Min:  time.Duration(cfg.Worker.MinBackoffMS) * time.Millisecond,
			Max:  time.Duration(cfg.Worker.MaxBackoffMS) * time.Millisecond,
		},
	}, logger.Logger)

	// process_mock：带阶段与进度的模拟处理
	mock := worker.NewMockHandler(worker.ParseMockStages(cfg.Jobs.MockStageDurations))
	rt.Register("process_mock", mock)

	// 向量化任务
	emb, err := embedding.New(cfg.Embedding, cfg.Vector.Dimension)
	if err != nil {
		return nil, fmt.Errorf("初始化 embedding 模型失败: %w", err)
	}
	vs, err := vector.NewStore(ctx, cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("初始化向量存储失败: %w", err)
	}
	embed := worker.NewEmbedHandler(vs, emb, utils.CoalesceString(cfg.Vector.Collection, "segments"))
	if err := embed.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("初始化向量索引失败: %w", err)
	}
	rt.Register("mock_embedding", worker.HandlerFunc(embed.MockEmbedding))
	rt.Register("dispatch_embed_text", worker.HandlerFunc(embed.DispatchEmbedText))

	// 配置声明的任务名必须都有处理器，缺失即拒绝启动
	if err := rt.ValidateTasks(cfg.Worker.Tasks); err != nil {
		return nil, err
	}

	a := &App{
		config:  cfg,
		logger:  logger,
		stores:  stores,
		broker:  brk,
		runtime: rt,
	}

	// 可选：链路追踪（OpenTelemetry）。任务执行 span 经全局 provider 导出
	if cfg.Monitoring.Tracing.Enable {
		serviceName := utils.CoalesceString(cfg.Monitoring.Tracing.ServiceName, "job-platform-worker")
		endpoint := utils.CoalesceString(cfg.Monitoring.Tracing.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if endpoint != "" {
			tp, err := tracing.InitTracer(tracing.OTelConfig{
				ServiceName:    serviceName,
				ExportEndpoint: endpoint,
				Insecure:       cfg.Monitoring.Tracing.Insecure,
			})
			if err != nil {
				logger.Warn("链路追踪初始化失败，继续运行", "error", err)
			} else {
				a.tracerProvider = tp
				logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
			}
		}
	}

	return a, nil
}

// Start 启动消费循环
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done.Add(1)
	go func() {
		defer a.done.Done()
		if err := a.runtime.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("worker 运行失败", "error", err)
		}
	}()
	a.logger.Info("worker 已启动",
		"queue", a.config.Broker.Queue,
		"concurrency", a.config.Worker.Concurrency,
	)
	return nil
}

// Shutdown 停止消费并等待在途任务完成
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.done.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.tracerProvider != nil {
		_ = a.tracerProvider.Shutdown(ctx)
	}
	if a.broker != nil {
		_ = a.broker.Close()
	}
	a.stores.Ledger.Close()
	return nil
}
