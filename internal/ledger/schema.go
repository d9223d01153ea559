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
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL 台账与 outbox 的表结构。幂等，可在每次启动时执行。
// 终态与 finished_at 的一致性由 CHECK 约束兜底。
const schemaDDL = `
CREATE TABLE IF NOT EXISTS job (
    id              UUID PRIMARY KEY,
    org_id          TEXT NOT NULL,
    type            TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'queued',
    payload         JSONB NOT NULL DEFAULT '{}'::jsonb,
    job_key         TEXT NOT NULL,
    idempotency_key TEXT,
    attempt         INT NOT NULL DEFAULT 0,
    max_attempts    INT NOT NULL DEFAULT 3,
    backoff_policy  TEXT NOT NULL DEFAULT 'exponential',
    priority        INT NOT NULL DEFAULT 0,
    requested_by    TEXT NOT NULL DEFAULT '',
    progress        INT NOT NULL DEFAULT 0,
    stage           TEXT NOT NULL DEFAULT '',
    last_error      TEXT NOT NULL DEFAULT '',
    last_error_code TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at      TIMESTAMPTZ,
    finished_at     TIMESTAMPTZ,
    CONSTRAINT job_status_valid CHECK (
        status IN ('queued','running','succeeded','failed','dead_letter','canceled')
    ),
    CONSTRAINT job_backoff_valid CHECK (
        backoff_policy IN ('none','fixed','exponential')
    ),
    CONSTRAINT job_status_finished_at_consistency CHECK (
        (status IN ('succeeded','dead_letter','canceled')) = (finished_at IS NOT NULL)
    )
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_job_org_id_job_key ON job (org_id, job_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_org_id_idem_key ON job (org_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_job_org_id_status ON job (org_id, status, created_at DESC);

CREATE TABLE IF NOT EXISTS job_event (
    id          UUID PRIMARY KEY,
    job_id      UUID NOT NULL REFERENCES job(id) ON DELETE CASCADE,
    from_status TEXT,
    to_status   TEXT NOT NULL,
    detail      JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_job_event_job_id ON job_event (job_id, created_at);

CREATE TABLE IF NOT EXISTS outbox (
    id         UUID PRIMARY KEY,
    job_id     UUID NOT NULL REFERENCES job(id) ON DELETE CASCADE,
    queue_name TEXT NOT NULL,
    task       TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    sent_at    TIMESTAMPTZ,
    attempts   INT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox (created_at) WHERE sent_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_job_id ON outbox (job_id);
`

// EnsureSchema 建立台账、事件与 outbox 表结构（幂等）
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("初始化数据库表结构失败: %w", err)
	}
	return nil
}
