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

	"job-platform/pkg/config"
	"job-platform/pkg/log"
	"job-platform/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务装配
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
}

// NewBootstrap 根据配置创建 Bootstrap（日志 + secret 解析）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger}

	if cfg != nil && cfg.Secrets.Provider != "" {
		store, err := secrets.NewStore(secrets.Config{
			Provider: cfg.Secrets.Provider,
			Config: map[string]string{
				"address":     cfg.Secrets.Vault.Addr,
				"token":       cfg.Secrets.Vault.Token,
				"path_prefix": cfg.Secrets.Vault.Path,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 secret 存储失败: %w", err)
		}
		b.Secrets = store
		b.resolveSecrets(context.Background())
	}

	return b, nil
}

// resolveSecrets 用 secret 存储覆盖配置中的敏感项；缺失的 key 保持原值
func (b *Bootstrap) resolveSecrets(ctx context.Context) {
	prefix := b.Config.Secrets.Prefix

	if v, err := b.Secrets.Get(ctx, prefix+"jwt_key"); err == nil && v != "" {
		b.Config.API.Middleware.JWTKey = v
	}
	if v, err := b.Secrets.Get(ctx, prefix+"database_dsn"); err == nil && v != "" {
		b.Config.Database.DSN = v
	}
	if v, err := b.Secrets.Get(ctx, prefix+"broker_password"); err == nil && v != "" {
		b.Config.Broker.Password = v
	}
	if v, err := b.Secrets.Get(ctx, prefix+"embedding_api_key"); err == nil && v != "" {
		b.Config.Embedding.APIKey = v
	}
}
