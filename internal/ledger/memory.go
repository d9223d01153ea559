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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-platform/internal/outbox"
	pkgerrors "job-platform/pkg/errors"
)

// MemoryStore 进程内台账，测试与单进程部署用。
// 语义与 PgStore 一致；outbox 行写入注入的 MemoryStore（模拟同事务）。
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job    // id → job
	byKey  map[string]string  // org_id+"/"+job_key → id
	byIdem map[string]string  // org_id+"/"+idempotency_key → id
	events map[string][]*Event
	outbox *outbox.MemoryStore // 可为 nil（无派发场景）
}

// NewMemoryStore 创建内存台账；ob 为 nil 时不落 outbox 行
func NewMemoryStore(ob *outbox.MemoryStore) *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		byKey:  make(map[string]string),
		byIdem: make(map[string]string),
		events: make(map[string][]*Event),
		outbox: ob,
	}
}

func keyIndex(orgID, jobKey string) string { return orgID + "/" + jobKey }

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job, draft *outbox.Draft) (*Job, bool, error) {
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
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[keyIndex(job.OrgID, job.JobKey)]; ok {
		return cloneJob(s.jobs[id]), false, nil
	}
	if job.IdempotencyKey != "" {
		if id, ok := s.byIdem[keyIndex(job.OrgID, job.IdempotencyKey)]; ok {
			return cloneJob(s.jobs[id]), false, nil
		}
	}

	now := time.Now()
	j := &Job{
		ID:             uuid.NewString(),
		OrgID:          job.OrgID,
		Type:           job.Type,
		Status:         StatusQueued,
		Payload:        job.Payload,
		JobKey:         job.JobKey,
		IdempotencyKey: job.IdempotencyKey,
		MaxAttempts:    job.MaxAttempts,
		Backoff:        backoff,
		Priority:       job.Priority,
		RequestedBy:    job.RequestedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	s.jobs[j.ID] = j
	s.byKey[keyIndex(j.OrgID, j.JobKey)] = j.ID
	if j.IdempotencyKey != "" {
		s.byIdem[keyIndex(j.OrgID, j.IdempotencyKey)] = j.ID
	}
	s.appendEventLocked(j.ID, "", StatusQueued, nil)

	if draft != nil && s.outbox != nil {
		d := *draft
		d.JobID = j.ID
		d.Body = withJobRef(d.Body, j.ID, j.OrgID)
		if _, err := s.outbox.Append(d); err != nil {
			// 回滚
			delete(s.jobs, j.ID)
			delete(s.byKey, keyIndex(j.OrgID, j.JobKey))
			if j.IdempotencyKey != "" {
				delete(s.byIdem, keyIndex(j.OrgID, j.IdempotencyKey))
			}
			delete(s.events, j.ID)
			return nil, false, err
		}
	}
	return cloneJob(j), true, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, orgID, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", jobID)
	}
	if j.OrgID != orgID {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrForbidden, "任务 %s 不属于租户 %s", jobID, orgID)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetJobByKey(ctx context.Context, orgID, jobKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[keyIndex(orgID, jobKey)]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job_key %s", jobKey)
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, orgID string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, j := range s.jobs {
		if j.OrgID != orgID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, cloneJob(j))
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, orgID string) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, j := range s.jobs {
		if j.OrgID == orgID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Transition(ctx context.Context, jobID string, to Status, opts TransitionOpts) (*Job, error) {
	if !to.Valid() {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知状态 %q", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", jobID)
	}
	if !CanTransition(j.Status, to) {
		return nil, pkgerrors.Wrapf(ErrInvalidTransition, "%s → %s", j.Status, to)
	}

	if j.Status == StatusFailed {
		j.Attempt++
	}
	if opts.Err != "" {
		j.LastError = truncateError(opts.Err)
	}
	if opts.ErrCode != "" {
		j.LastErrorCode = opts.ErrCode
	}
	now := time.Now()
	if to == StatusRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		j.FinishedAt = &t
	}
	from := j.Status
	j.Status = to
	j.UpdatedAt = now
	s.appendEventLocked(jobID, from, to, opts.Detail)
	return cloneJob(j), nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID string, progress int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", jobID)
	}
	j.Progress = progress
	j.Stage = stage
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, jobID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[jobID]
	if len(events) > limit {
		events = events[:limit]
	}
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) appendEventLocked(jobID string, from, to Status, detail map[string]any) {
	s.events[jobID] = append(s.events[jobID], &Event{
		ID:        uuid.NewString(),
		JobID:     jobID,
		From:      from,
		To:        to,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
