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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
)

// tagFields 作为 RediSearch TAG 字段建索引的元数据键，可参与过滤
var tagFields = []string{"org_id", "asset_id", "segment_id", "model"}

// RedisStore 基于 RediSearch 的向量存储。
// 每个索引对应一个前缀 vec:{index}: 下的 HASH 集合，
// 向量以 FLOAT32 小端序存入 embedding 字段，KNN 检索用 DIALECT 2。
type RedisStore struct {
	client *redis.Client
}

// RedisConfig Redis 向量存储配置
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

// NewRedisStore 创建 Redis 向量存储并探活
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
		// RediSearch 返回 map 结构需 RESP2 展平
		Protocol: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis 向量存储连接失败: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func keyPrefix(indexName string) string { return "vec:" + indexName + ":" }

func docKey(indexName, id string) string { return keyPrefix(indexName) + id }

func (s *RedisStore) Create(ctx context.Context, idx *Index) error {
	metric := strings.ToUpper(idx.Distance)
	if metric == "" {
		metric = "COSINE"
	}
	schema := []*redis.FieldSchema{
		{FieldName: "embedding", FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            idx.Dimension,
					DistanceMetric: metric,
				},
			}},
	}
	for _, f := range tagFields {
		schema = append(schema, &redis.FieldSchema{FieldName: f, FieldType: redis.SearchFieldTypeTag})
	}
	err := s.client.FTCreate(ctx, idx.Name, &redis.FTCreateOptions{
		OnHash: true,
		Prefix: []any{keyPrefix(idx.Name)},
	}, schema...).Err()
	if err != nil {
		return fmt.Errorf("创建索引 %s 失败: %w", idx.Name, err)
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, indexName string, vectors []*Vector) error {
	pipe := s.client.Pipeline()
	for _, v := range vectors {
		fields := map[string]any{
			"embedding": encodeFloat32(v.Values),
		}
		extra := make(map[string]string)
		for k, val := range v.Metadata {
			if isTagField(k) {
				fields[k] = val
			} else {
				extra[k] = val
			}
		}
		if len(extra) > 0 {
			meta, err := json.Marshal(extra)
			if err != nil {
				return fmt.Errorf("序列化向量元数据失败: %w", err)
			}
			fields["meta"] = string(meta)
		}
		pipe.HSet(ctx, docKey(indexName, v.ID), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入向量失败: %w", err)
	}
	return nil
}

func (s *RedisStore) Search(ctx context.Context, indexName string, query []float64, options *SearchOptions) ([]*SearchResult, error) {
	if options == nil {
		options = &SearchOptions{TopK: 10}
	}
	topK := options.TopK
	if topK <= 0 {
		topK = 10
	}

	base := buildFilterExpr(options.Filter)
	q := fmt.Sprintf("%s=>[KNN %d @embedding $vec AS dist]", base, topK)

	res, err := s.client.FTSearchWithArgs(ctx, indexName, q, &redis.FTSearchOptions{
		Params:         map[string]any{"vec": encodeFloat32(query)},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "dist", Asc: true}},
		DialectVersion: 2,
		LimitOffset:    0,
		Limit:          topK,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	prefix := keyPrefix(indexName)
	var results []*SearchResult
	for _, doc := range res.Docs {
		r := &SearchResult{
			ID:       strings.TrimPrefix(doc.ID, prefix),
			Metadata: make(map[string]string),
		}
		for k, v := range doc.Fields {
			switch k {
			case "dist":
				var dist float64
				fmt.Sscanf(v, "%f", &dist)
				// 余弦距离 → 相似度
				r.Score = 1 - dist
			case "meta":
				var extra map[string]string
				if err := json.Unmarshal([]byte(v), &extra); err == nil {
					for mk, mv := range extra {
						r.Metadata[mk] = mv
					}
				}
			case "embedding":
				if options.IncludeVectors {
					r.Values = decodeFloat32(v)
				}
			default:
				r.Metadata[k] = v
			}
		}
		if r.Score < options.Threshold {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *RedisStore) Get(ctx context.Context, indexName string, id string) (*Vector, error) {
	fields, err := s.client.HGetAll(ctx, docKey(indexName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取向量失败: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("向量 %s 不存在", id)
	}
	v := &Vector{ID: id, Metadata: make(map[string]string)}
	for k, val := range fields {
		switch k {
		case "embedding":
			v.Values = decodeFloat32(val)
		case "meta":
			var extra map[string]string
			if err := json.Unmarshal([]byte(val), &extra); err == nil {
				for mk, mv := range extra {
					v.Metadata[mk] = mv
				}
			}
		default:
			v.Metadata[k] = val
		}
	}
	return v, nil
}

func (s *RedisStore) Delete(ctx context.Context, indexName string, id string) error {
	n, err := s.client.Del(ctx, docKey(indexName, id)).Result()
	if err != nil {
		return fmt.Errorf("删除向量失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("向量 %s 不存在", id)
	}
	return nil
}

func (s *RedisStore) DeleteIndex(ctx context.Context, indexName string) error {
	if err := s.client.FTDropIndexWithArgs(ctx, indexName, &redis.FTDropIndexOptions{DeleteDocs: true}).Err(); err != nil {
		return fmt.Errorf("删除索引 %s 失败: %w", indexName, err)
	}
	return nil
}

func (s *RedisStore) ListIndexes(ctx context.Context) ([]string, error) {
	return s.client.FT_List(ctx).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func isTagField(k string) bool {
	for _, f := range tagFields {
		if f == k {
			return true
		}
	}
	return false
}

// buildFilterExpr 将过滤条件拼为 TAG 查询；无过滤时匹配全部
func buildFilterExpr(filter map[string]string) string {
	var parts []string
	for _, f := range tagFields {
		if v, ok := filter[f]; ok && v != "" {
			parts = append(parts, fmt.Sprintf("@%s:{%s}", f, escapeTag(v)))
		}
	}
	if len(parts) == 0 {
		return "(*)"
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// escapeTag 转义 TAG 值中的 RediSearch 特殊字符
func escapeTag(v string) string {
	replacer := strings.NewReplacer(
		"-", "\\-", ".", "\\.", ":", "\\:", "{", "\\{", "}", "\\}",
		"|", "\\|", " ", "\\ ", "@", "\\@",
	)
	return replacer.Replace(v)
}

func encodeFloat32(vals []float64) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf
}

func decodeFloat32(raw string) []float64 {
	b := []byte(raw)
	out := make([]float64, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i:]))))
	}
	return out
}
