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

	"golang.org/x/time/rate"
)

// RateLimited Embedder 限流包装：Embed 前等待令牌，尊重 ctx 取消
type RateLimited struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimited 创建限流包装；burst <=0 时取 1
func NewRateLimited(inner Embedder, qps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

func (r *RateLimited) Model() string { return r.inner.Model() }

func (r *RateLimited) Dimension() int { return r.inner.Dimension() }

func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}
