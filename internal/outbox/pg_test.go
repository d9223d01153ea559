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

package outbox_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-platform/internal/ledger"
	"job-platform/internal/outbox"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL 未设置，跳过 Postgres 集成测试")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("连接失败: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres 不可达: %v", err)
	}
	if err := ledger.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// insertPendingRow 直接落一条待派发行（连带所属任务行，删除级联）
func insertPendingRow(t *testing.T, pool *pgxpool.Pool, task string) string {
	t.Helper()
	ctx := context.Background()
	jobID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO job (id, org_id, type, job_key)
		VALUES ($1, 'org-dispatch-test', $2, $3)`,
		jobID, task, uuid.NewString()); err != nil {
		t.Fatalf("插入任务行: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM job WHERE id = $1`, jobID)
	})
	rowID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO outbox (id, job_id, queue_name, task, payload)
		VALUES ($1, $2, 'default', $3, '{}')`, rowID, jobID, task); err != nil {
		t.Fatalf("插入 outbox 行: %v", err)
	}
	return rowID
}

func rowState(t *testing.T, pool *pgxpool.Pool, rowID string) (sent bool, attempts int, lastError string) {
	t.Helper()
	var sentAt *time.Time
	err := pool.QueryRow(context.Background(), `
		SELECT sent_at, attempts, last_error FROM outbox WHERE id = $1`, rowID).
		Scan(&sentAt, &attempts, &lastError)
	if err != nil {
		t.Fatalf("查询 outbox 行: %v", err)
	}
	return sentAt != nil, attempts, lastError
}

func TestPgDispatchPending_PerRowBookkeeping(t *testing.T) {
	pool := testPool(t)
	store := outbox.NewPgStore(pool)
	ctx := context.Background()

	a := insertPendingRow(t, pool, "task-a")
	b := insertPendingRow(t, pool, "task-b")
	c := insertPendingRow(t, pool, "task-c")

	// 中间一行发布失败：其余行的 sent_at 记账必须保留
	boom := errors.New("broker unavailable")
	_, _, err := store.DispatchPending(ctx, 100, func(ctx context.Context, r *outbox.Row) error {
		if r.ID == b {
			return boom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}

	for _, id := range []string{a, c} {
		sent, attempts, _ := rowState(t, pool, id)
		if !sent || attempts != 1 {
			t.Errorf("行 %s 应已标记发送 (sent=%v attempts=%d)", id, sent, attempts)
		}
	}
	sent, attempts, lastError := rowState(t, pool, b)
	if sent {
		t.Error("失败行不应标记 sent_at")
	}
	if attempts != 1 || lastError == "" {
		t.Errorf("失败行应记录 attempts 与 last_error (attempts=%d last_error=%q)", attempts, lastError)
	}

	// 下个 tick 只重试失败行
	if _, _, err := store.DispatchPending(ctx, 100, func(ctx context.Context, r *outbox.Row) error {
		if r.ID == a || r.ID == c {
			t.Errorf("已发送行 %s 不应被再次认领", r.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("DispatchPending 重试: %v", err)
	}
	if sent, _, _ := rowState(t, pool, b); !sent {
		t.Error("重试后失败行应标记发送")
	}
}
