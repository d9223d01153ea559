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

package embedding

import (
	"context"
	"time"

	"job-platform/internal/jobkey"
	"job-platform/internal/storage/cache"
)

// Cached 带缓存的 Embedder：同一文本（按 text_hash）在 TTL 内
// 只调用一次底层模型。重试与重复提交下省去真实模型调用。
type Cached struct {
	inner Embedder
	cache cache.Store
	ttl   time.Duration
}

// NewCached 包装缓存；ttl <= 0 默认 1h
func NewCached(inner Embedder, store cache.Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{inner: inner, cache: store, ttl: ttl}
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var misses []string
	var missIdx []int

	for i, text := range texts {
		var vec []float64
		if err := c.cache.Get(ctx, c.key(text), &vec); err == nil && len(vec) > 0 {
			out[i] = vec
			continue
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, misses)
	if err != nil {
		return nil, err
	}
	for k, vec := range vecs {
		out[missIdx[k]] = vec
		// 缓存写失败不影响结果
		_ = c.cache.Set(ctx, c.key(misses[k]), vec, c.ttl)
	}
	return out, nil
}

func (c *Cached) Model() string { return c.inner.Model() }

func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) key(text string) string {
	return "emb:" + c.inner.Model() + ":" + jobkey.TextHash(text)
}
