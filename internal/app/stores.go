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

package app

import (
	"context"
	"fmt"

	"job-platform/internal/broker"
	"job-platform/internal/ledger"
	"job-platform/internal/outbox"
)

// Stores 台账与 outbox 存储对；postgres 模式下共享同一连接池，
// memory 模式下共享同一进程内 outbox（保持落库原子性语义）。
type Stores struct {
	Ledger ledger.Store
	Outbox outbox.Store
}

// NewStores 按 database.type 构建存储。postgres 模式会执行 schema 引导，
// 数据库不可达时返回错误（调用方应以非零码退出）。
func NewStores(ctx context.Context, b *Bootstrap) (*Stores, error) {
	cfg := b.Config.Database
	switch cfg.Type {
	case "", "memory":
		ob := outbox.NewMemoryStore()
		return &Stores{Ledger: ledger.NewMemoryStore(ob), Outbox: ob}, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database.type=postgres 需要 dsn")
		}
		pool, err := ledger.Connect(ctx, cfg.DSN, cfg.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
		}
		if err := ledger.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("初始化 schema 失败: %w", err)
		}
		return &Stores{Ledger: ledger.NewPgStore(pool), Outbox: outbox.NewPgStore(pool)}, nil
	default:
		return nil, fmt.Errorf("不支持的 database.type: %s", cfg.Type)
	}
}

// NewBroker 按 broker.type 构建消息代理
func NewBroker(ctx context.Context, b *Bootstrap) (broker.Broker, error) {
	cfg := b.Config.Broker
	switch cfg.Type {
	case "", "memory":
		return broker.NewMemoryBroker(), nil
	case "redis":
		return broker.NewRedisBroker(ctx, broker.RedisConfig{
			Addr:     cfg.Addr,
			DB:       cfg.DB,
			Password: cfg.Password,
		}, b.Logger.Logger)
	default:
		return nil, fmt.Errorf("不支持的 broker.type: %s", cfg.Type)
	}
}
