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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"job-platform/internal/ledger"
	"job-platform/internal/outbox"
	pkgerrors "job-platform/pkg/errors"
)

func newTestService() (*Service, *ledger.MemoryStore, *outbox.MemoryStore) {
	ob := outbox.NewMemoryStore()
	store := ledger.NewMemoryStore(ob)
	return NewService(store, "default", 3, nil), store, ob
}

func TestSubmit_CreatesJobAndOutboxRow(t *testing.T) {
	ctx := context.Background()
	svc, _, ob := newTestService()

	job, created, err := svc.Submit(ctx, "org-1", SubmitRequest{
		Type:    "process_mock",
		Payload: map[string]any{"asset_id": "a1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Fatal("首次提交 created 应为 true")
	}
	if job.Status != ledger.StatusQueued {
		t.Errorf("status = %s", job.Status)
	}

	rows := ob.Rows()
	if len(rows) != 1 {
		t.Fatalf("应有 1 条 outbox 行, got %d", len(rows))
	}
	if rows[0].Task != "process_mock" || rows[0].Queue != "default" {
		t.Errorf("outbox 行内容不符: %+v", rows[0])
	}
	var body map[string]any
	json.Unmarshal(rows[0].Body, &body)
	if body["job_id"] != job.ID {
		t.Errorf("outbox body 应注入 job_id: %v", body)
	}
	if body["org_id"] != "org-1" {
		t.Errorf("outbox body 应注入 org_id: %v", body)
	}
}

func TestSubmit_IdempotentAcrossEquivalentPayloads(t *testing.T) {
	ctx := context.Background()
	svc, _, ob := newTestService()

	first, _, err := svc.Submit(ctx, "org-1", SubmitRequest{
		Type:    "process_mock",
		Payload: map[string]any{"asset_id": "a1", "segment_id": "s1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// 键序不同、语义相同
	second, created, err := svc.Submit(ctx, "org-1", SubmitRequest{
		Type:    "process_mock",
		Payload: map[string]any{"segment_id": "s1", "asset_id": "a1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if created {
		t.Error("等价提交 created 应为 false")
	}
	if second.ID != first.ID {
		t.Errorf("等价提交应返回同一任务")
	}
	if ob.Pending() != 1 {
		t.Errorf("等价提交不得追加 outbox 行, got %d", ob.Pending())
	}

	// 不同租户的相同 payload 是另一个任务
	other, created, _ := svc.Submit(ctx, "org-2", SubmitRequest{
		Type:    "process_mock",
		Payload: map[string]any{"asset_id": "a1", "segment_id": "s1"},
	})
	if !created || other.ID == first.ID {
		t.Error("跨租户不共享幂等键")
	}
}

func TestSubmit_KeyPayloadOverridesIdempotencyScope(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	// 相同 KeyPayload、不同 Payload（如同文本的不同请求装饰）视为同一任务
	first, _, _ := svc.Submit(ctx, "o", SubmitRequest{
		Type:       "dispatch_embed_text",
		Payload:    map[string]any{"text": "hello", "note": "a"},
		KeyPayload: map[string]any{"asset_id": "a1", "text_hash": "abcd1234abcd1234"},
	})
	second, created, _ := svc.Submit(ctx, "o", SubmitRequest{
		Type:       "dispatch_embed_text",
		Payload:    map[string]any{"text": "hello", "note": "b"},
		KeyPayload: map[string]any{"asset_id": "a1", "text_hash": "abcd1234abcd1234"},
	})
	if created || second.ID != first.ID {
		t.Error("KeyPayload 相同的提交应幂等")
	}
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	if _, _, err := svc.Submit(ctx, "", SubmitRequest{Type: "t"}); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("缺 org_id 应返回 ErrInvalidArg, got %v", err)
	}
	if _, _, err := svc.Submit(ctx, "o", SubmitRequest{Type: "  "}); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("缺类型应返回 ErrInvalidArg, got %v", err)
	}
	if _, _, err := svc.Submit(ctx, "o", SubmitRequest{Type: "t", Backoff: "jitter"}); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("非法退避策略应返回 ErrInvalidArg, got %v", err)
	}
}

func TestSubmit_ClientIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, _, ob := newTestService()

	first, _, err := svc.Submit(ctx, "o", SubmitRequest{
		Type:           "process_mock",
		Payload:        map[string]any{"asset_id": "a1"},
		IdempotencyKey: "req-123",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// payload 不同但客户端键相同：命中现有任务
	second, created, err := svc.Submit(ctx, "o", SubmitRequest{
		Type:           "process_mock",
		Payload:        map[string]any{"asset_id": "a2"},
		IdempotencyKey: "req-123",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if created || second.ID != first.ID {
		t.Error("客户端幂等键相同的提交应返回现有任务")
	}
	if ob.Pending() != 1 {
		t.Errorf("幂等命中不得追加 outbox 行, got %d", ob.Pending())
	}
}

func TestSubmit_AttributionAndPriority(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	job, _, err := svc.Submit(ctx, "o", SubmitRequest{
		Type:        "process_mock",
		Payload:     map[string]any{"asset_id": "a1"},
		Priority:    5,
		Backoff:     "fixed",
		RequestedBy: "user-42",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, _ := store.GetJob(ctx, "o", job.ID)
	if got.Priority != 5 || got.RequestedBy != "user-42" {
		t.Errorf("priority/requested_by 未落库: %+v", got)
	}
	if got.Backoff != ledger.BackoffFixed {
		t.Errorf("backoff = %s", got.Backoff)
	}
}
