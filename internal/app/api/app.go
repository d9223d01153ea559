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

// Package api API 进程装配：HTTP 面 + outbox 派发器。
// API 是控制面：只受理与投影任务，不执行任务（执行归 Worker）。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "job-platform/internal/api/http"
	"job-platform/internal/api/http/middleware"
	"job-platform/internal/app"
	"job-platform/internal/broker"
	"job-platform/internal/ingest"
	"job-platform/internal/model/embedding"
	"job-platform/internal/outbox"
	"job-platform/internal/storage/vector"
	"job-platform/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	bootstrap *app.Bootstrap
	stores    *app.Stores
	broker    broker.Broker
	router    *apihttp.Router
	hertz     *server.Hertz

	dispatcher *outbox.Dispatcher
	sweeper    *outbox.Sweeper

	otelProvider otelProviderShutdown
	bgCancel     context.CancelFunc
	bg           sync.WaitGroup
}

// NewApp 装配 API 应用：存储、broker、派发器、HTTP 面
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

	dispatcher := outbox.NewDispatcher(stores.Outbox, brk, outbox.DispatcherConfig{
		Interval: time.Duration(cfg.Outbox.DispatchIntervalMS) * time.Millisecond,
		Batch:    cfg.Outbox.ClaimBatchSize,
	}, logger.Logger)

	var sweeper *outbox.Sweeper
	if cfg.Outbox.SweepEnable {
		sweeper = outbox.NewSweeper(stores.Outbox,
			time.Duration(cfg.Outbox.SweepRetentionHrs)*time.Hour, logger.Logger)
	}

	svc := ingest.NewService(stores.Ledger, cfg.Broker.Queue, cfg.Jobs.DefaultMaxAttempts, logger.Logger)
	reader := ingest.NewStatusReader(stores.Ledger, cfg.Jobs.StatusVocabularyMode)

	handler := apihttp.NewHandler(svc, reader, logger)
	handler.SetReadyChecks(stores.Ledger, brk)

	// 向量面：embedding 模型 + 向量存储；初始化失败不阻塞任务核心
	emb, embErr := embedding.New(cfg.Embedding, cfg.Vector.Dimension)
	if embErr != nil {
		logger.Warn("embedding 模型初始化失败，向量面不可用", "error", embErr)
	} else {
		vs, vsErr := vector.NewStore(ctx, cfg.Vector)
		if vsErr != nil {
			logger.Warn("向量存储初始化失败，向量面不可用", "error", vsErr)
		} else {
			collection := utils.CoalesceString(cfg.Vector.Collection, "segments")
			if err := vector.EnsureIndex(ctx, vs, collection, emb.Dimension(), "cosine"); err != nil {
				logger.Warn("向量索引初始化失败", "error", err)
			}
			handler.SetVectorSurface(vs, emb, collection)
		}
	}

	router := apihttp.NewRouter(handler, middleware.NewMiddleware(logger))

	if cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		timeout := parseDuration(cfg.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := parseDuration(cfg.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), timeout, maxRefresh)
		if err != nil {
			logger.Warn("JWT 初始化失败，将跳过认证", "error", err)
		} else {
			router.SetJWT(jwtAuth)
			logger.Info("JWT 认证已启用")
		}
	}

	return &App{
		bootstrap:  bootstrap,
		stores:     stores,
		broker:     brk,
		router:     router,
		dispatcher: dispatcher,
		sweeper:    sweeper,
	}, nil
}

// Run 启动 HTTP 服务与后台派发器，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	logger := a.bootstrap.Logger
	logger.Info("API 服务启动", "addr", addr)

	// Hertz 框架日志走 slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "job-platform-api"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.router.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.hertz = a.router.Build(addr, tracerOpt)
			logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.dispatcher.Run(bgCtx)
	}()
	if a.sweeper != nil {
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			a.sweeper.Run(bgCtx)
		}()
	}

	return a.hertz.Run()
}

// Shutdown 优雅关闭：先停派发器（完成在途 tick），再关 HTTP 与连接
func (a *App) Shutdown(ctx context.Context) error {
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bg.Wait()

	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.stores != nil {
		a.stores.Ledger.Close()
	}
	return err
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
