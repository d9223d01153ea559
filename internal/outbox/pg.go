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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore Postgres outbox 存储。行由台账在提交事务内写入，
// 这里通过 FOR UPDATE SKIP LOCKED 跨实例互斥认领。
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建 Postgres outbox 存储（表结构由 ledger.EnsureSchema 建立）
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) DispatchPending(ctx context.Context, limit int, publish PublishFunc) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("开启派发事务失败: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, job_id, queue_name, task, payload, created_at, attempts
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("认领 outbox 行失败: %w", err)
	}

	var claimed []*Row
	for rows.Next() {
		r := &Row{}
		if err := rows.Scan(&r.ID, &r.JobID, &r.Queue, &r.Task, &r.Body, &r.CreatedAt, &r.Attempts); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("读取 outbox 行失败: %w", err)
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	// 每行记账各自落在 savepoint 里：单行失败不回滚同批
	// 已发布行的 sent_at/attempts，避免下个 tick 扩大重复发布
	var sent, failed int
	var bookErr error
	for _, r := range claimed {
		var stmt string
		var args []any
		if pubErr := publish(ctx, r); pubErr != nil {
			failed++
			stmt = `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`
			args = []any{r.ID, truncateErr(pubErr.Error())}
		} else {
			sent++
			stmt = `UPDATE outbox SET sent_at = now(), attempts = attempts + 1 WHERE id = $1`
			args = []any{r.ID}
		}
		sp, err := tx.Begin(ctx)
		if err != nil {
			return sent, failed, fmt.Errorf("开启行级 savepoint 失败: %w", err)
		}
		if _, err := sp.Exec(ctx, stmt, args...); err != nil {
			sp.Rollback(ctx)
			if bookErr == nil {
				bookErr = fmt.Errorf("记录 outbox 行 %s 状态失败: %w", r.ID, err)
			}
			continue
		}
		if err := sp.Commit(ctx); err != nil && bookErr == nil {
			bookErr = fmt.Errorf("提交行级 savepoint 失败: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return sent, failed, fmt.Errorf("提交派发事务失败: %w", err)
	}
	return sent, failed, bookErr
}

func (s *PgStore) SweepSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE sent_at IS NOT NULL AND sent_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("清理已发送行失败: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT min(created_at) FROM outbox WHERE sent_at IS NULL`).Scan(&oldest)
	if err != nil {
		return 0, err
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}

func truncateErr(s string) string {
	const max = 2048
	if len(s) > max {
		return s[:max]
	}
	return s
}
