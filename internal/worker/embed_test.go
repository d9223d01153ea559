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
	"errors"
	"testing"

	"job-platform/internal/ledger"
	"job-platform/internal/model/embedding"
	"job-platform/internal/storage/vector"
	pkgerrors "job-platform/pkg/errors"
)

func newEmbedFixture(t *testing.T) (*EmbedHandler, *vector.MemoryStore) {
	t.Helper()
	vs := vector.NewMemoryStore()
	h := NewEmbedHandler(vs, embedding.NewMockEmbedder("test-model", 8), "segments")
	if err := h.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	return h, vs
}

func embedTask(orgID string, body map[string]any) *Task {
	return &Task{
		Job:      &ledger.Job{ID: "j1", OrgID: orgID, Type: "mock_embedding"},
		Body:     body,
		Progress: func(ctx context.Context, pct int, stage string) error { return nil },
	}
}

func TestEmbedHandler_MockEmbeddingIdempotent(t *testing.T) {
	ctx := context.Background()
	h, vs := newEmbedFixture(t)
	body := map[string]any{"asset_id": "a1", "segment_id": "s1"}

	if _, err := h.MockEmbedding(ctx, embedTask("org-1", body)); err != nil {
		t.Fatalf("MockEmbedding: %v", err)
	}
	first, err := vs.Get(ctx, "segments", "org-1:a1:s1:mock")
	if err != nil {
		t.Fatalf("向量未写入: %v", err)
	}
	if first.Metadata["org_id"] != "org-1" || first.Metadata["model_ver"] != "v1" {
		t.Errorf("元数据不符: %+v", first.Metadata)
	}

	// 重复执行幂等：同 ID 覆盖，值不变
	if _, err := h.MockEmbedding(ctx, embedTask("org-1", body)); err != nil {
		t.Fatalf("重复执行: %v", err)
	}
	second, _ := vs.Get(ctx, "segments", "org-1:a1:s1:mock")
	for i := range first.Values {
		if first.Values[i] != second.Values[i] {
			t.Fatal("确定性向量重复执行后应一致")
		}
	}
}

func TestEmbedHandler_MockEmbeddingValidation(t *testing.T) {
	ctx := context.Background()
	h, _ := newEmbedFixture(t)
	_, err := h.MockEmbedding(ctx, embedTask("o", map[string]any{"segment_id": "s1"}))
	if !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("缺 asset_id 应为校验错误, got %v", err)
	}
}

func TestEmbedHandler_DispatchEmbedText(t *testing.T) {
	ctx := context.Background()
	h, vs := newEmbedFixture(t)

	_, err := h.DispatchEmbedText(ctx, embedTask("org-1", map[string]any{
		"asset_id": "a1", "segment_id": "s1", "text": "机房温度异常",
	}))
	if err != nil {
		t.Fatalf("DispatchEmbedText: %v", err)
	}

	v, err := vs.Get(ctx, "segments", "org-1:a1:s1:test-model")
	if err != nil {
		t.Fatalf("向量未写入: %v", err)
	}
	if v.Metadata["text_hash"] == "" || len(v.Metadata["text_hash"]) != 16 {
		t.Errorf("应记录 16 位 text_hash: %+v", v.Metadata)
	}
	for key, val := range v.Metadata {
		if val == "机房温度异常" {
			t.Errorf("原文不得写入向量元数据（字段 %s）", key)
		}
	}
}

func TestEmbedHandler_DispatchEmbedTextRequiresText(t *testing.T) {
	ctx := context.Background()
	h, _ := newEmbedFixture(t)
	_, err := h.DispatchEmbedText(ctx, embedTask("o", map[string]any{
		"asset_id": "a1", "segment_id": "s1",
	}))
	if !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("缺 text 应为校验错误, got %v", err)
	}
}

func TestEmbedHandler_TenantScopedSearch(t *testing.T) {
	ctx := context.Background()
	h, vs := newEmbedFixture(t)
	body := map[string]any{"asset_id": "a1", "segment_id": "s1"}
	h.MockEmbedding(ctx, embedTask("org-a", body))
	h.MockEmbedding(ctx, embedTask("org-b", body))

	query, _ := embedding.NewMockEmbedder("mock", 8).Embed(ctx, []string{"a1:s1"})
	results, err := vs.Search(ctx, "segments", query[0], &vector.SearchOptions{
		TopK: 10, Filter: map[string]string{"org_id": "org-a"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("org 过滤应只命中 1 条, got %d", len(results))
	}
	if results[0].Metadata["org_id"] != "org-a" {
		t.Errorf("检索结果越租户: %+v", results[0].Metadata)
	}
}
