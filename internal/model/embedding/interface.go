// Package embedding 文本向量化模型适配：mock（确定性）与
// OpenAI 兼容 HTTP 两种实现，可选限流包装。
package embedding

import (
	"context"
	"fmt"

	"job-platform/internal/storage/cache"
	"job-platform/pkg/config"
)

// Embedder 向量化接口
type Embedder interface {
	// Embed 对文本做向量化，返回与 texts 一一对应的向量
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// Model 模型名
	Model() string
	// Dimension 向量维度
	Dimension() int
}

// New 根据配置创建 Embedder（mock | openai）。QPS > 0 时加限流包装，
// cache 开启时按 text_hash 缓存结果。
func New(cfg config.EmbeddingConfig, dimension int) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "", "mock":
		e = NewMockEmbedder(cfg.Model, dimension)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding 需要 api_key")
		}
		e = NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL, cfg.Model, dimension)
	default:
		return nil, fmt.Errorf("不支持的 embedding provider: %s", cfg.Provider)
	}
	if cfg.QPS > 0 {
		e = NewRateLimited(e, cfg.QPS, cfg.Burst)
	}
	if cfg.Cache {
		e = NewCached(e, cache.NewMemoryStore(), 0)
	}
	return e, nil
}
