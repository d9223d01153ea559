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
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
)

// MockEmbedder 确定性伪向量：同一文本总是得到同一个单位向量。
// 无外部依赖，用于开发与 mock 管线。
type MockEmbedder struct {
	model     string
	dimension int
}

// NewMockEmbedder 创建 mock embedder；dimension <=0 默认 384
func NewMockEmbedder(model string, dimension int) *MockEmbedder {
	if model == "" {
		model = "mock"
	}
	if dimension <= 0 {
		dimension = 384
	}
	return &MockEmbedder{model: model, dimension: dimension}
}

func (m *MockEmbedder) Model() string { return m.model }

func (m *MockEmbedder) Dimension() int { return m.dimension }

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

// vectorFor 由 sha256(model:text) 播种生成单位向量
func (m *MockEmbedder) vectorFor(text string) []float64 {
	sum := sha256.Sum256([]byte(m.model + ":" + text))
	seed := int64(binary.LittleEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float64, m.dimension)
	var norm float64
	for i := range vec {
		vec[i] = rng.NormFloat64()
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
