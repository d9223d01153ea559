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
	"errors"
	"testing"

	"job-platform/internal/ledger"
	pkgerrors "job-platform/pkg/errors"
)

func TestStatusReader_InternalVocabulary(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	job, _, _ := svc.Submit(ctx, "o", SubmitRequest{Type: "t", Payload: map[string]any{"k": "v"}})
	store.Transition(ctx, job.ID, ledger.StatusRunning, ledger.TransitionOpts{})

	reader := NewStatusReader(store, "internal")
	view, err := reader.Get(ctx, "o", job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Status != "running" {
		t.Errorf("internal 模式应暴露原生状态, got %q", view.Status)
	}
	if view.StartedAt == nil {
		t.Error("started_at 应已设置")
	}
}

func TestStatusReader_LegacyVocabulary(t *testing.T) {
	_, store, _ := newTestService()
	reader := NewStatusReader(store, "legacy")

	cases := []struct {
		internal ledger.Status
		want     string
	}{
		{ledger.StatusQueued, "pending"},
		{ledger.StatusRunning, "processing"},
		{ledger.StatusSucceeded, "completed"},
		{ledger.StatusDeadLetter, "failed"},
		{ledger.StatusFailed, "pending"},
	}
	for _, tc := range cases {
		if got := reader.render(tc.internal); got != tc.want {
			t.Errorf("render(%s) = %q, want %q", tc.internal, got, tc.want)
		}
	}
}

func TestStatusReader_ResultFromSucceededEvent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	job, _, _ := svc.Submit(ctx, "o", SubmitRequest{Type: "t", Payload: map[string]any{"k": "v"}})
	store.Transition(ctx, job.ID, ledger.StatusRunning, ledger.TransitionOpts{})
	store.Transition(ctx, job.ID, ledger.StatusSucceeded, ledger.TransitionOpts{
		Detail: map[string]any{
			"worker_id": "w1",
			"result":    map[string]any{"stages_completed": []string{"extracting"}},
		},
	})

	reader := NewStatusReader(store, "internal")
	view, err := reader.Get(ctx, "o", job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Result == nil {
		t.Fatal("成功任务的视图应携带 result")
	}
	if _, ok := view.Result["stages_completed"]; !ok {
		t.Errorf("result 内容不符: %v", view.Result)
	}

	// 未成功的任务没有 result
	other, _, _ := svc.Submit(ctx, "o", SubmitRequest{Type: "t", Payload: map[string]any{"k": "w"}})
	v2, _ := reader.Get(ctx, "o", other.ID)
	if v2.Result != nil {
		t.Errorf("queued 任务不应有 result: %v", v2.Result)
	}
}

func TestStatusReader_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	job, _, _ := svc.Submit(ctx, "org-a", SubmitRequest{Type: "t", Payload: map[string]any{}})

	reader := NewStatusReader(store, "internal")
	if _, err := reader.Get(ctx, "org-b", job.ID); !errors.Is(err, pkgerrors.ErrForbidden) {
		t.Errorf("跨租户查询应返回 ErrForbidden, got %v", err)
	}
	if _, err := reader.Events(ctx, "org-b", job.ID, 0); !errors.Is(err, pkgerrors.ErrForbidden) {
		t.Errorf("跨租户事件查询应返回 ErrForbidden, got %v", err)
	}
}

func TestStatusReader_ListAndStats(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	j1, _, _ := svc.Submit(ctx, "o", SubmitRequest{Type: "t", Payload: map[string]any{"n": 1}})
	svc.Submit(ctx, "o", SubmitRequest{Type: "t", Payload: map[string]any{"n": 2}})
	store.Transition(ctx, j1.ID, ledger.StatusRunning, ledger.TransitionOpts{})

	reader := NewStatusReader(store, "legacy")
	pending, err := reader.List(ctx, "o", "pending", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != "pending" {
		t.Errorf("legacy 过滤 pending 应命中 1 个 queued 任务: %+v", pending)
	}

	stats, err := reader.Stats(ctx, "o")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["pending"] != 1 || stats["processing"] != 1 {
		t.Errorf("统计不符: %+v", stats)
	}
}

func TestStatusReader_EventsRendered(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	job, _, _ := svc.Submit(ctx, "o", SubmitRequest{Type: "t", Payload: map[string]any{}})
	store.Transition(ctx, job.ID, ledger.StatusRunning, ledger.TransitionOpts{})

	reader := NewStatusReader(store, "internal")
	events, err := reader.Events(ctx, "o", job.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("事件数应为 2, got %d", len(events))
	}
	if events[0].From != "" || events[0].To != "queued" {
		t.Errorf("创建事件不符: %+v", events[0])
	}
	if events[1].From != "queued" || events[1].To != "running" {
		t.Errorf("迁移事件不符: %+v", events[1])
	}
}
