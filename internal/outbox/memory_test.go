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

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_DispatchMarksSent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Append(Draft{Queue: "default", Task: "process_mock", Body: map[string]any{"job_id": "j1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sent, failed, err := s.DispatchPending(ctx, 10, func(ctx context.Context, row *Row) error {
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if sent != 1 || failed != 0 {
		t.Errorf("sent=%d failed=%d, want 1/0", sent, failed)
	}
	if s.Pending() != 0 {
		t.Errorf("发布成功后不应再有未发送行")
	}

	// 已发送行不再被认领
	sent, _, _ = s.DispatchPending(ctx, 10, func(ctx context.Context, row *Row) error {
		t.Error("不应再次发布已发送行")
		return nil
	})
	if sent != 0 {
		t.Errorf("第二轮 sent 应为 0, got %d", sent)
	}
}

func TestMemoryStore_PublishFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Append(Draft{Queue: "q", Task: "t", Body: map[string]any{}})

	sent, failed, err := s.DispatchPending(ctx, 10, func(ctx context.Context, row *Row) error {
		return errors.New("broker unavailable")
	})
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if sent != 0 || failed != 1 {
		t.Errorf("sent=%d failed=%d, want 0/1", sent, failed)
	}
	if s.Pending() != 1 {
		t.Errorf("发布失败的行必须留在未发送集合")
	}
	rows := s.Rows()
	if rows[0].Attempts != 1 || rows[0].LastError == "" {
		t.Errorf("失败行应累加 attempts 并记录 last_error: %+v", rows[0])
	}

	// 下一轮成功
	sent, failed, _ = s.DispatchPending(ctx, 10, func(ctx context.Context, row *Row) error {
		return nil
	})
	if sent != 1 || failed != 0 {
		t.Errorf("重试轮 sent=%d failed=%d, want 1/0", sent, failed)
	}
	if rows[0].SentAt == nil {
		t.Errorf("重试成功后应设置 sent_at")
	}
}

func TestMemoryStore_DispatchOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"j1", "j2", "j3"} {
		s.Append(Draft{Queue: "q", Task: "t", Body: map[string]any{"job_id": id}})
	}

	var got []string
	sent, _, _ := s.DispatchPending(ctx, 2, func(ctx context.Context, row *Row) error {
		got = append(got, row.ID)
		return nil
	})
	if sent != 2 {
		t.Fatalf("limit=2 时 sent 应为 2, got %d", sent)
	}
	rows := s.Rows()
	if got[0] != rows[0].ID || got[1] != rows[1].ID {
		t.Errorf("应按 created_at 顺序认领")
	}
	if s.Pending() != 1 {
		t.Errorf("剩余未发送行应为 1")
	}
}

func TestMemoryStore_SweepOnlyTouchesSent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Append(Draft{Queue: "q", Task: "t", Body: map[string]any{}}) // 保持 pending
	sentRow, _ := s.Append(Draft{Queue: "q", Task: "t", Body: map[string]any{}})
	past := time.Now().Add(-48 * time.Hour)
	sentRow.SentAt = &past

	removed, err := s.SweepSent(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepSent: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed=%d, want 1", removed)
	}
	if s.Pending() != 1 {
		t.Errorf("清理不得触碰未发送行")
	}
}
