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
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// OpenAIAdapter OpenAI 兼容 embeddings API 适配器
type OpenAIAdapter struct {
	client    *resty.Client
	model     string
	dimension int
}

// NewOpenAIAdapter 创建 OpenAI Embedding 适配器。
// baseURL 为空时使用官方地址；兼容任何实现 /v1/embeddings 的服务。
func NewOpenAIAdapter(apiKey, baseURL, model string, dimension int) *OpenAIAdapter {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimension <= 0 {
		dimension = 1536
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &OpenAIAdapter{client: client, model: model, dimension: dimension}
}

func (a *OpenAIAdapter) Model() string { return a.model }

func (a *OpenAIAdapter) Dimension() int { return a.dimension }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (a *OpenAIAdapter) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result embeddingsResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(embeddingsRequest{Model: a.model, Input: texts}).
		SetResult(&result).
		SetError(&result).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embeddings 请求失败: %w", err)
	}
	if resp.IsError() {
		if result.Error != nil {
			return nil, fmt.Errorf("embeddings API 错误 (%d): %s", resp.StatusCode(), result.Error.Message)
		}
		return nil, fmt.Errorf("embeddings API 错误: HTTP %d", resp.StatusCode())
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings 返回数量不符: got %d, want %d", len(result.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings 返回非法 index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
