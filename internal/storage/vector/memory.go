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

package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore 进程内向量存储，测试与单进程部署用。
// 检索是全量暴力扫描，语义与 Redis 实现一致：
// 同 ID 覆盖写、元数据精确匹配过滤、按相似度降序取 TopK。
type MemoryStore struct {
	mu      sync.RWMutex
	indexes map[string]*memIndex
}

// memIndex 单个索引：元信息 + ID → 向量
type memIndex struct {
	meta *Index
	dim  int
	vecs map[string]*Vector
}

// NewMemoryStore 创建内存向量存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{indexes: make(map[string]*memIndex)}
}

func (s *MemoryStore) Create(ctx context.Context, idx *Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[idx.Name]; ok {
		return fmt.Errorf("索引 %s 已存在", idx.Name)
	}
	s.indexes[idx.Name] = &memIndex{
		meta: idx,
		dim:  idx.Dimension,
		vecs: make(map[string]*Vector),
	}
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, indexName string, vectors []*Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[indexName]
	if !ok {
		return fmt.Errorf("索引 %s 不存在", indexName)
	}
	for _, v := range vectors {
		if len(v.Values) != idx.dim {
			return fmt.Errorf("向量维度 %d 与索引维度 %d 不符", len(v.Values), idx.dim)
		}
		idx.vecs[v.ID] = v
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, indexName string, query []float64, options *SearchOptions) ([]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[indexName]
	if !ok {
		return nil, fmt.Errorf("索引 %s 不存在", indexName)
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("查询维度 %d 与索引维度 %d 不符", len(query), idx.dim)
	}
	if options == nil {
		options = &SearchOptions{TopK: 10}
	}

	var results []*SearchResult
	for id, v := range idx.vecs {
		if !matchFilter(v.Metadata, options.Filter) {
			continue
		}
		score := similarity(query, v.Values, idx.meta.Distance)
		if score < options.Threshold {
			continue
		}
		r := &SearchResult{ID: id, Score: score, Metadata: v.Metadata}
		if options.IncludeVectors {
			r.Values = v.Values
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > options.TopK {
		results = results[:options.TopK]
	}
	return results, nil
}

func (s *MemoryStore) Get(ctx context.Context, indexName string, id string) (*Vector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[indexName]
	if !ok {
		return nil, fmt.Errorf("索引 %s 不存在", indexName)
	}
	v, ok := idx.vecs[id]
	if !ok {
		return nil, fmt.Errorf("向量 %s 不存在", id)
	}
	return v, nil
}

func (s *MemoryStore) Delete(ctx context.Context, indexName string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[indexName]
	if !ok {
		return fmt.Errorf("索引 %s 不存在", indexName)
	}
	if _, ok := idx.vecs[id]; !ok {
		return fmt.Errorf("向量 %s 不存在", id)
	}
	delete(idx.vecs, id)
	return nil
}

func (s *MemoryStore) DeleteIndex(ctx context.Context, indexName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[indexName]; !ok {
		return fmt.Errorf("索引 %s 不存在", indexName)
	}
	delete(s.indexes, indexName)
	return nil
}

func (s *MemoryStore) ListIndexes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.indexes {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStore) Close() error { return nil }

// matchFilter 元数据精确匹配；filter 为空匹配全部
func matchFilter(meta, filter map[string]string) bool {
	for k, want := range filter {
		if meta == nil || meta[k] != want {
			return false
		}
	}
	return true
}

// similarity 统一为"越大越相似"的得分；距离度量取倒数归一
func similarity(query, v []float64, distance string) float64 {
	switch distance {
	case "euclidean":
		return 1.0 / (1.0 + euclidean(query, v))
	case "manhattan":
		return 1.0 / (1.0 + manhattan(query, v))
	default: // cosine
		return cosine(query, v)
	}
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func euclidean(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattan(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum
}
