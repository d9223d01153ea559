package vector

import (
	"context"
	"fmt"
	"strconv"

	"job-platform/pkg/config"
)

// NewStore 根据配置创建向量存储（memory | redis）
func NewStore(ctx context.Context, cfg config.VectorConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		db := 0
		if cfg.DB != "" {
			n, err := strconv.Atoi(cfg.DB)
			if err != nil {
				return nil, fmt.Errorf("无效的 Redis DB 编号 %q: %w", cfg.DB, err)
			}
			db = n
		}
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.Addr,
			DB:       db,
			Password: cfg.Password,
		})
	default:
		return nil, fmt.Errorf("不支持的向量存储类型: %s", cfg.Type)
	}
}
