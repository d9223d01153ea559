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
	"errors"
	"testing"

	"job-platform/internal/outbox"
	pkgerrors "job-platform/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCanceled},
		{StatusRunning, StatusRunning}, // 崩溃消费者的重投重入
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCanceled},
		{StatusFailed, StatusQueued},
		{StatusFailed, StatusRunning}, // 落在重排队窗口内的重投
		{StatusFailed, StatusDeadLetter},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s → %s 应合法", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusQueued, StatusSucceeded},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusQueued},
		{StatusRunning, StatusQueued},
		{StatusSucceeded, StatusRunning},
		{StatusSucceeded, StatusQueued},
		{StatusDeadLetter, StatusQueued},
		{StatusCanceled, StatusRunning},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s → %s 应非法", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusDeadLetter, StatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s 应为终态", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning, StatusFailed} {
		if s.Terminal() {
			t.Errorf("%s 不应为终态", s)
		}
	}
}

func newTestStore() (*MemoryStore, *outbox.MemoryStore) {
	ob := outbox.NewMemoryStore()
	return NewMemoryStore(ob), ob
}

func TestCreateJob_Atomic(t *testing.T) {
	ctx := context.Background()
	store, ob := newTestStore()

	job, created, err := store.CreateJob(ctx, &Job{
		OrgID:   "org-1",
		Type:    "process_mock",
		Payload: map[string]any{"asset_id": "a1"},
		JobKey:  "k1",
	}, &outbox.Draft{Queue: "default", Task: "process_mock", Body: map[string]any{"job_id": "?"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !created {
		t.Fatal("首次提交 created 应为 true")
	}
	if job.Status != StatusQueued {
		t.Errorf("新任务状态应为 queued, got %s", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("默认 max_attempts 应为 3, got %d", job.MaxAttempts)
	}
	if ob.Pending() != 1 {
		t.Errorf("应同事务落 1 条 outbox 行, got %d", ob.Pending())
	}

	events, _ := store.ListEvents(ctx, job.ID, 0)
	if len(events) != 1 || events[0].To != StatusQueued || events[0].From != "" {
		t.Errorf("应有一条创建事件: %+v", events)
	}
}

func TestCreateJob_IdempotentHit(t *testing.T) {
	ctx := context.Background()
	store, ob := newTestStore()

	draft := &outbox.Draft{Queue: "q", Task: "t", Body: map[string]any{}}
	first, _, err := store.CreateJob(ctx, &Job{OrgID: "org-1", Type: "t", JobKey: "k1"}, draft)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	second, created, err := store.CreateJob(ctx, &Job{OrgID: "org-1", Type: "t", JobKey: "k1"}, draft)
	if err != nil {
		t.Fatalf("重复提交不应报错: %v", err)
	}
	if created {
		t.Error("重复提交 created 应为 false")
	}
	if second.ID != first.ID {
		t.Errorf("应返回现有任务: %s != %s", second.ID, first.ID)
	}
	if ob.Pending() != 1 {
		t.Errorf("幂等命中不得新增 outbox 行, got %d", ob.Pending())
	}
	events, _ := store.ListEvents(ctx, first.ID, 0)
	if len(events) != 1 {
		t.Errorf("幂等命中不得新增事件, got %d", len(events))
	}

	// 不同租户同 key 互不影响
	_, created, err = store.CreateJob(ctx, &Job{OrgID: "org-2", Type: "t", JobKey: "k1"}, draft)
	if err != nil || !created {
		t.Errorf("不同租户应各自成功: created=%v err=%v", created, err)
	}
}

func TestCreateJob_ClientIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store, ob := newTestStore()

	draft := &outbox.Draft{Queue: "q", Task: "t", Body: map[string]any{}}
	first, _, err := store.CreateJob(ctx, &Job{
		OrgID: "org-1", Type: "t", JobKey: "k1", IdempotencyKey: "client-abc",
	}, draft)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// 相同客户端键、不同 payload（job_key 不同）仍命中现有任务
	second, created, err := store.CreateJob(ctx, &Job{
		OrgID: "org-1", Type: "t", JobKey: "k2", IdempotencyKey: "client-abc",
	}, draft)
	if err != nil {
		t.Fatalf("重复客户端键不应报错: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("客户端幂等键应命中现有任务: created=%v", created)
	}
	if ob.Pending() != 1 {
		t.Errorf("幂等命中不得新增 outbox 行, got %d", ob.Pending())
	}

	// 客户端键按租户隔离
	_, created, err = store.CreateJob(ctx, &Job{
		OrgID: "org-2", Type: "t", JobKey: "k3", IdempotencyKey: "client-abc",
	}, draft)
	if err != nil || !created {
		t.Errorf("不同租户的同名客户端键应各自成功: created=%v err=%v", created, err)
	}
}

func TestCreateJob_BackoffPolicy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	job, _, err := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k1"}, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Backoff != BackoffExponential {
		t.Errorf("默认退避策略应为 exponential, got %s", job.Backoff)
	}

	fixed, _, err := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k2", Backoff: BackoffFixed}, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if fixed.Backoff != BackoffFixed {
		t.Errorf("backoff = %s", fixed.Backoff)
	}

	_, _, err = store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k3", Backoff: "jitter"}, nil)
	if !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("非法退避策略应在存储边界被拒绝, got %v", err)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	_, _, err := store.CreateJob(ctx, &Job{OrgID: "", Type: "t", JobKey: "k"}, nil)
	if !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("缺 org_id 应返回 ErrInvalidArg, got %v", err)
	}
}

func TestTransition_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k"}, nil)

	running, err := store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})
	if err != nil {
		t.Fatalf("queued→running: %v", err)
	}
	if running.StartedAt == nil {
		t.Error("进入 running 应设置 started_at")
	}
	if running.FinishedAt != nil {
		t.Error("非终态不得有 finished_at")
	}

	done, err := store.Transition(ctx, job.ID, StatusSucceeded, TransitionOpts{})
	if err != nil {
		t.Fatalf("running→succeeded: %v", err)
	}
	if done.FinishedAt == nil {
		t.Error("终态必须设置 finished_at")
	}

	// 终态后一切迁移被拒绝
	for _, to := range []Status{StatusQueued, StatusRunning, StatusFailed, StatusCanceled} {
		if _, err := store.Transition(ctx, job.ID, to, TransitionOpts{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("succeeded→%s 应返回 ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestTransition_RunningReentry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k"}, nil)

	first, _ := store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})

	// 重入：started_at 与 attempt 保持不变，事件留痕
	again, err := store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{
		Detail: map[string]any{"worker_id": "w2"},
	})
	if err != nil {
		t.Fatalf("running→running: %v", err)
	}
	if !again.StartedAt.Equal(*first.StartedAt) {
		t.Error("重入不应改写 started_at")
	}
	if again.Attempt != 0 {
		t.Errorf("重入不应改变 attempt, got %d", again.Attempt)
	}

	events, _ := store.ListEvents(ctx, job.ID, 0)
	last := events[len(events)-1]
	if last.From != StatusRunning || last.To != StatusRunning {
		t.Errorf("重入应追加 running → running 事件: %+v", last)
	}

	// failed 直达 running：attempt 按离开 failed 计数
	store.Transition(ctx, job.ID, StatusFailed, TransitionOpts{Err: "boom"})
	resumed, err := store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})
	if err != nil {
		t.Fatalf("failed→running: %v", err)
	}
	if resumed.Attempt != 1 {
		t.Errorf("离开 failed 应使 attempt=1, got %d", resumed.Attempt)
	}
}

func TestTransition_AttemptAccounting(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k", MaxAttempts: 2}, nil)

	// 第一次执行失败 → 重试
	store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})
	failed, err := store.Transition(ctx, job.ID, StatusFailed, TransitionOpts{Err: "boom"})
	if err != nil {
		t.Fatalf("running→failed: %v", err)
	}
	if failed.Attempt != 0 {
		t.Errorf("进入 failed 时 attempt 不变, got %d", failed.Attempt)
	}
	if failed.LastError != "boom" {
		t.Errorf("last_error = %q", failed.LastError)
	}

	requeued, err := store.Transition(ctx, job.ID, StatusQueued, TransitionOpts{})
	if err != nil {
		t.Fatalf("failed→queued: %v", err)
	}
	if requeued.Attempt != 1 {
		t.Errorf("离开 failed 应使 attempt=1, got %d", requeued.Attempt)
	}

	// 第二次执行失败 → 耗尽进入死信
	store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})
	store.Transition(ctx, job.ID, StatusFailed, TransitionOpts{Err: "boom again"})
	dead, err := store.Transition(ctx, job.ID, StatusDeadLetter, TransitionOpts{})
	if err != nil {
		t.Fatalf("failed→dead_letter: %v", err)
	}
	if dead.Attempt != 2 {
		t.Errorf("死信时 attempt 应为 2, got %d", dead.Attempt)
	}
	if dead.FinishedAt == nil {
		t.Error("dead_letter 是终态，必须有 finished_at")
	}
	if dead.LastError != "boom again" {
		t.Errorf("last_error 应保留最后一次错误, got %q", dead.LastError)
	}
}

func TestTransition_TruncatesLastError(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k"}, nil)
	store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	failed, err := store.Transition(ctx, job.ID, StatusFailed, TransitionOpts{Err: string(long)})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if len(failed.LastError) != 2048 {
		t.Errorf("last_error 应截断到 2048, got %d", len(failed.LastError))
	}
}

func TestTransition_EventsAppended(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k"}, nil)
	store.Transition(ctx, job.ID, StatusRunning, TransitionOpts{})
	store.Transition(ctx, job.ID, StatusSucceeded, TransitionOpts{Detail: map[string]any{"result": "ok"}})

	events, err := store.ListEvents(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("事件数应为 3, got %d", len(events))
	}
	if events[1].From != StatusQueued || events[1].To != StatusRunning {
		t.Errorf("第二条事件应为 queued→running: %+v", events[1])
	}
	if events[2].Detail["result"] != "ok" {
		t.Errorf("事件 detail 未保留: %+v", events[2])
	}
}

func TestGetJob_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "org-a", Type: "t", JobKey: "k"}, nil)

	if _, err := store.GetJob(ctx, "org-b", job.ID); !errors.Is(err, pkgerrors.ErrForbidden) {
		t.Errorf("跨租户读取应返回 ErrForbidden, got %v", err)
	}
	if _, err := store.GetJob(ctx, "org-b", "no-such-id"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Errorf("不存在的任务应返回 ErrNotFound, got %v", err)
	}
	if _, err := store.GetJob(ctx, "org-a", job.ID); err != nil {
		t.Errorf("本租户读取应成功: %v", err)
	}
}

func TestListJobs_And_CountByStatus(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	j1, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k1"}, nil)
	store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k2"}, nil)
	store.CreateJob(ctx, &Job{OrgID: "other", Type: "t", JobKey: "k3"}, nil)
	store.Transition(ctx, j1.ID, StatusRunning, TransitionOpts{})

	all, err := store.ListJobs(ctx, "o", "", 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("租户 o 应有 2 个任务, got %d", len(all))
	}
	queued, _ := store.ListJobs(ctx, "o", StatusQueued, 0)
	if len(queued) != 1 {
		t.Errorf("queued 过滤应得 1, got %d", len(queued))
	}

	counts, _ := store.CountByStatus(ctx, "o")
	if counts[StatusQueued] != 1 || counts[StatusRunning] != 1 {
		t.Errorf("统计不符: %+v", counts)
	}
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	job, _, _ := store.CreateJob(ctx, &Job{OrgID: "o", Type: "t", JobKey: "k"}, nil)

	if err := store.UpdateProgress(ctx, job.ID, 40, "analyzing"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ := store.GetJob(ctx, "o", job.ID)
	if got.Progress != 40 || got.Stage != "analyzing" {
		t.Errorf("progress/stage 未更新: %+v", got)
	}
	if err := store.UpdateProgress(ctx, "missing", 1, ""); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Errorf("未知任务应返回 ErrNotFound, got %v", err)
	}
}
