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

package worker

import (
	"context"
	"fmt"

	"job-platform/internal/jobkey"
	"job-platform/internal/model/embedding"
	"job-platform/internal/storage/vector"
	pkgerrors "job-platform/pkg/errors"
)

// EmbedHandler 向量化任务：mock_embedding 写确定性伪向量，
// dispatch_embed_text 调真实模型。向量元数据只带标识与 text_hash，
// 原文不落向量库。
type EmbedHandler struct {
	vectors    vector.Store
	embedder   embedding.Embedder
	mock       embedding.Embedder
	collection string
}

// NewEmbedHandler 创建向量化处理器。collection 为共享索引名，
// 租户隔离靠 org_id 元数据过滤。
func NewEmbedHandler(vs vector.Store, emb embedding.Embedder, collection string) *EmbedHandler {
	dim := 384
	if emb != nil {
		dim = emb.Dimension()
	}
	return &EmbedHandler{
		vectors:    vs,
		embedder:   emb,
		mock:       embedding.NewMockEmbedder("mock", dim),
		collection: collection,
	}
}

// EnsureIndex 启动期建索引（存在则跳过）
func (h *EmbedHandler) EnsureIndex(ctx context.Context) error {
	dim := h.mock.Dimension()
	if h.embedder != nil {
		dim = h.embedder.Dimension()
	}
	return vector.EnsureIndex(ctx, h.vectors, h.collection, dim, "cosine")
}

// MockEmbedding mock_embedding 任务：同一 (asset, segment) 总是
// 得到同一向量与同一文档 ID，重复执行幂等。
func (h *EmbedHandler) MockEmbedding(ctx context.Context, t *Task) (map[string]any, error) {
	assetID, segmentID, err := requireIDs(t.Body)
	if err != nil {
		return nil, err
	}
	vecs, err := h.mock.Embed(ctx, []string{assetID + ":" + segmentID})
	if err != nil {
		return nil, fmt.Errorf("生成 mock 向量失败: %w", err)
	}
	if err := t.Progress(ctx, 50, "embedding"); err != nil {
		return nil, err
	}

	id := docID(t.Job.OrgID, assetID, segmentID, "mock")
	err = h.vectors.Add(ctx, h.collection, []*vector.Vector{{
		ID:     id,
		Values: vecs[0],
		Metadata: map[string]string{
			"org_id":     t.Job.OrgID,
			"asset_id":   assetID,
			"segment_id": segmentID,
			"model":      "mock",
			"model_ver":  "v1",
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("写入向量失败: %w", err)
	}
	if err := t.Progress(ctx, 100, ""); err != nil {
		return nil, err
	}
	return map[string]any{
		"doc_id":    id,
		"model":     "mock",
		"dimension": len(vecs[0]),
	}, nil
}

// DispatchEmbedText dispatch_embed_text 任务：原文只存在于消息体，
// 向量元数据记录 text_hash 以便幂等与审计。
func (h *EmbedHandler) DispatchEmbedText(ctx context.Context, t *Task) (map[string]any, error) {
	assetID, segmentID, err := requireIDs(t.Body)
	if err != nil {
		return nil, err
	}
	text, _ := t.Body["text"].(string)
	if text == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "消息体缺少 text")
	}
	if h.embedder == nil {
		return nil, fmt.Errorf("未配置 embedding 模型")
	}

	vecs, err := h.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("向量化失败: %w", err)
	}
	if err := t.Progress(ctx, 50, "embedding"); err != nil {
		return nil, err
	}

	id := docID(t.Job.OrgID, assetID, segmentID, h.embedder.Model())
	hash := jobkey.TextHash(text)
	err = h.vectors.Add(ctx, h.collection, []*vector.Vector{{
		ID:     id,
		Values: vecs[0],
		Metadata: map[string]string{
			"org_id":     t.Job.OrgID,
			"asset_id":   assetID,
			"segment_id": segmentID,
			"model":      h.embedder.Model(),
			"text_hash":  hash,
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("写入向量失败: %w", err)
	}
	if err := t.Progress(ctx, 100, ""); err != nil {
		return nil, err
	}
	return map[string]any{
		"doc_id":    id,
		"model":     h.embedder.Model(),
		"text_hash": hash,
	}, nil
}

func requireIDs(body map[string]any) (string, string, error) {
	assetID, _ := body["asset_id"].(string)
	if assetID == "" {
		return "", "", pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "消息体缺少 asset_id")
	}
	segmentID, _ := body["segment_id"].(string)
	if segmentID == "" {
		return "", "", pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "消息体缺少 segment_id")
	}
	return assetID, segmentID, nil
}

// docID 文档主键：同一来源与模型的重复写入覆盖为同一文档
func docID(orgID, assetID, segmentID, model string) string {
	return fmt.Sprintf("%s:%s:%s:%s", orgID, assetID, segmentID, model)
}
