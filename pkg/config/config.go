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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// DatabaseConfig 元数据库配置（job / job_event / outbox 同库）
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`  // type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"`
}

// BrokerConfig 消息代理配置
type BrokerConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Queue    string `mapstructure:"queue"` // 默认队列名
}

// OutboxConfig outbox 派发器配置
type OutboxConfig struct {
	DispatchIntervalMS int  `mapstructure:"dispatch_interval_ms"` // <=0 默认 500
	ClaimBatchSize     int  `mapstructure:"claim_batch_size"`     // <=0 默认 100
	SweepEnable        bool `mapstructure:"sweep_enable"`         // 启用已发送行清理
	SweepRetentionHrs  int  `mapstructure:"sweep_retention_hrs"`  // <=0 默认 24
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Concurrency  int      `mapstructure:"concurrency"`    // <=0 默认 4
	MaxRetries   int      `mapstructure:"max_retries"`    // broker 层重投上限
	MinBackoffMS int      `mapstructure:"min_backoff_ms"` // <=0 默认 1000
	MaxBackoffMS int      `mapstructure:"max_backoff_ms"` // <=0 默认 30000
	Backoff      string   `mapstructure:"backoff"`        // none | fixed | exp
	Tasks        []string `mapstructure:"tasks"`          // 启动时校验有 handler 的任务名
}

// JobsConfig 任务台账配置
type JobsConfig struct {
	DefaultMaxAttempts   int    `mapstructure:"default_max_attempts"`  // <=0 默认 3
	StatusVocabularyMode string `mapstructure:"status_vocabulary"`     // internal | legacy
	LastErrorMaxLen      int    `mapstructure:"last_error_max_len"`    // <=0 默认 2048
	MockStageDurations   string `mapstructure:"mock_stage_durations"`  // 如 "2s,3s,1s"
}

// VectorConfig 向量存储配置
type VectorConfig struct {
	Type       string `mapstructure:"type"` // memory | redis
	Addr       string `mapstructure:"addr"`
	DB         string `mapstructure:"db"`
	Collection string `mapstructure:"collection"`
	Password   string `mapstructure:"password"`
	Dimension  int    `mapstructure:"dimension"` // <=0 默认 384
}

// EmbeddingConfig Embedding 模型配置
type EmbeddingConfig struct {
	Provider string  `mapstructure:"provider"` // mock | openai
	APIKey   string  `mapstructure:"api_key"`
	BaseURL  string  `mapstructure:"base_url"`
	Model    string  `mapstructure:"model"`
	QPS      float64 `mapstructure:"qps"` // >0 时启用限流包装
	Burst    int     `mapstructure:"burst"`
	Cache    bool    `mapstructure:"cache"` // 按 text_hash 缓存向量
}

// SecretsConfig secret 提供方配置
type SecretsConfig struct {
	Provider string `mapstructure:"provider"` // env | vault | memory
	Prefix   string `mapstructure:"prefix"`
	Vault    struct {
		Addr  string `mapstructure:"addr"`
		Token string `mapstructure:"token"`
		Mount string `mapstructure:"mount"`
		Path  string `mapstructure:"path"`
	} `mapstructure:"vault"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件；文件不存在时回退到默认值 + 环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				return nil, fmt.Errorf("无法读取配置文件: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// api_key 形如 ${ENV_VAR} 时替换为环境变量
	if strings.HasPrefix(config.Embedding.APIKey, "$") {
		envVar := strings.TrimPrefix(strings.TrimSuffix(config.Embedding.APIKey, "}"), "${")
		if val := os.Getenv(envVar); val != "" {
			config.Embedding.APIKey = val
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("database.type", "memory")
	v.SetDefault("broker.type", "memory")
	v.SetDefault("broker.queue", "default")
	v.SetDefault("outbox.dispatch_interval_ms", 500)
	v.SetDefault("outbox.claim_batch_size", 100)
	v.SetDefault("outbox.sweep_retention_hrs", 24)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.min_backoff_ms", 1000)
	v.SetDefault("worker.max_backoff_ms", 30000)
	v.SetDefault("worker.backoff", "exp")
	v.SetDefault("jobs.default_max_attempts", 3)
	v.SetDefault("jobs.status_vocabulary", "internal")
	v.SetDefault("jobs.last_error_max_len", 2048)
	v.SetDefault("vector.type", "memory")
	v.SetDefault("vector.collection", "segments")
	v.SetDefault("vector.dimension", 384)
	v.SetDefault("embedding.provider", "mock")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
