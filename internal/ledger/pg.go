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

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-platform/internal/outbox"
	pkgerrors "job-platform/pkg/errors"
)

// PgStore Postgres 台账存储
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 基于已有连接池创建台账存储
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Connect 建立连接池并探活
func Connect(ctx context.Context, dsn string, poolSize int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析数据库 DSN 失败: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("数据库探活失败: %w", err)
	}
	return pool, nil
}

const jobColumns = `id, org_id, type, status, payload, job_key, idempotency_key,
	attempt, max_attempts, backoff_policy, priority, requested_by,
	progress, stage, last_error, last_error_code,
	created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	var payload []byte
	var status, backoff string
	var idemKey *string
	err := row.Scan(&j.ID, &j.OrgID, &j.Type, &status, &payload, &j.JobKey, &idemKey,
		&j.Attempt, &j.MaxAttempts, &backoff, &j.Priority, &j.RequestedBy,
		&j.Progress, &j.Stage, &j.LastError, &j.LastErrorCode,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Backoff = BackoffPolicy(backoff)
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("解析任务 payload 失败: %w", err)
		}
	}
	return j, nil
}

func (s *PgStore) CreateJob(ctx context.Context, job *Job, draft *outbox.Draft) (*Job, bool, error) {
	if job.OrgID == "" || job.Type == "" || job.JobKey == "" {
		return nil, false, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "org_id/type/job_key 不能为空")
	}
	backoff := job.Backoff
	if backoff == "" {
		backoff = BackoffExponential
	}
	if !backoff.Valid() {
		return nil, false, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知退避策略 %q", job.Backoff)
	}
	payload, err := json.Marshal(orEmpty(job.Payload))
	if err != nil {
		return nil, false, fmt.Errorf("序列化任务 payload 失败: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("开启提交事务失败: %w", err)
	}
	defer tx.Rollback(ctx)

	jobID := uuid.NewString()
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var idemKey *string
	if job.IdempotencyKey != "" {
		idemKey = &job.IdempotencyKey
	}
	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO job (id, org_id, type, status, payload, job_key, idempotency_key,
		                 max_attempts, backoff_policy, priority, requested_by)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (org_id, job_key) DO NOTHING
		RETURNING id`,
		jobID, job.OrgID, job.Type, payload, job.JobKey, idemKey,
		maxAttempts, string(backoff), job.Priority, job.RequestedBy).Scan(&insertedID)
	if err == pgx.ErrNoRows {
		// 幂等命中：返回现有任务，不写事件与 outbox
		existing, getErr := s.GetJobByKey(ctx, job.OrgID, job.JobKey)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		// 客户端幂等键撞上现有任务（job_key 不同）：同样视为命中
		var pgErr *pgconn.PgError
		if idemKey != nil && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, getErr := s.getJobByIdemKey(ctx, job.OrgID, *idemKey)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("插入任务失败: %w", err)
	}

	if err := insertEvent(ctx, tx, insertedID, "", StatusQueued, nil); err != nil {
		return nil, false, err
	}

	if draft != nil {
		body, err := json.Marshal(withJobRef(draft.Body, insertedID, job.OrgID))
		if err != nil {
			return nil, false, fmt.Errorf("序列化 outbox payload 失败: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (id, job_id, queue_name, task, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), insertedID, draft.Queue, draft.Task, body); err != nil {
			return nil, false, fmt.Errorf("插入 outbox 行失败: %w", err)
		}
	}

	created, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE id = $1`, insertedID))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("提交任务事务失败: %w", err)
	}
	return created, true, nil
}

func (s *PgStore) GetJob(ctx context.Context, orgID, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE id = $1`, jobID))
	if err == pgx.ErrNoRows {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", jobID)
	}
	if err != nil {
		return nil, err
	}
	if j.OrgID != orgID {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrForbidden, "任务 %s 不属于租户 %s", jobID, orgID)
	}
	return j, nil
}

func (s *PgStore) GetJobByKey(ctx context.Context, orgID, jobKey string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE org_id = $1 AND job_key = $2`, orgID, jobKey))
	if err == pgx.ErrNoRows {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job_key %s", jobKey)
	}
	return j, err
}

func (s *PgStore) getJobByIdemKey(ctx context.Context, orgID, idemKey string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE org_id = $1 AND idempotency_key = $2`, orgID, idemKey))
	if err == pgx.ErrNoRows {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "idempotency_key %s", idemKey)
	}
	return j, err
}

func (s *PgStore) ListJobs(ctx context.Context, orgID string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM job WHERE org_id = $1`
	args := []any{orgID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PgStore) CountByStatus(ctx context.Context, orgID string) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM job WHERE org_id = $1 GROUP BY status`, orgID)
	if err != nil {
		return nil, fmt.Errorf("统计任务状态失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *PgStore) Transition(ctx context.Context, jobID string, to Status, opts TransitionOpts) (*Job, error) {
	if !to.Valid() {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知状态 %q", to)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE id = $1 FOR UPDATE`, jobID))
	if err == pgx.ErrNoRows {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", jobID)
	}
	if err != nil {
		return nil, err
	}

	if !CanTransition(current.Status, to) {
		return nil, pkgerrors.Wrapf(ErrInvalidTransition, "%s → %s", current.Status, to)
	}

	attempt := current.Attempt
	if current.Status == StatusFailed {
		attempt++
	}
	lastError := current.LastError
	if opts.Err != "" {
		lastError = truncateError(opts.Err)
	}
	lastErrorCode := current.LastErrorCode
	if opts.ErrCode != "" {
		lastErrorCode = opts.ErrCode
	}

	var startedAt any = current.StartedAt
	if to == StatusRunning && current.StartedAt == nil {
		startedAt = time.Now()
	}
	var finishedAt any = current.FinishedAt
	if to.Terminal() {
		finishedAt = time.Now()
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job
		SET status = $2, attempt = $3, last_error = $4, last_error_code = $5,
		    started_at = $6, finished_at = $7, updated_at = now()
		WHERE id = $1`,
		jobID, string(to), attempt, lastError, lastErrorCode, startedAt, finishedAt); err != nil {
		return nil, fmt.Errorf("更新任务状态失败: %w", err)
	}

	if err := insertEvent(ctx, tx, jobID, current.Status, to, opts.Detail); err != nil {
		return nil, err
	}

	updated, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE id = $1`, jobID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return updated, nil
}

func (s *PgStore) UpdateProgress(ctx context.Context, jobID string, progress int, stage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job SET progress = $2, stage = $3, updated_at = now()
		WHERE id = $1`, jobID, progress, stage)
	if err != nil {
		return fmt.Errorf("更新进度失败: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", jobID)
	}
	return nil
}

func (s *PgStore) ListEvents(ctx context.Context, jobID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, coalesce(from_status, ''), to_status, detail, created_at
		FROM job_event WHERE job_id = $1 ORDER BY created_at LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询任务事件失败: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var from, to string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.JobID, &from, &to, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From, e.To = Status(from), Status(to)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("解析事件 detail 失败: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) Close() {
	s.pool.Close()
}

func insertEvent(ctx context.Context, tx pgx.Tx, jobID string, from, to Status, detail map[string]any) error {
	detailJSON, err := json.Marshal(orEmpty(detail))
	if err != nil {
		return fmt.Errorf("序列化事件 detail 失败: %w", err)
	}
	var fromVal any
	if from != "" {
		fromVal = string(from)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_event (id, job_id, from_status, to_status, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), jobID, fromVal, string(to), detailJSON); err != nil {
		return fmt.Errorf("追加任务事件失败: %w", err)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// withJobRef 复制 outbox body 并注入任务标识，消费方据此回查台账
func withJobRef(body map[string]any, jobID, orgID string) map[string]any {
	out := make(map[string]any, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["job_id"] = jobID
	out["org_id"] = orgID
	return out
}
