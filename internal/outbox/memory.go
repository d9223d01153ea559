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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 进程内 outbox，用于测试与单进程部署。
// 行由内存台账在其"事务"内通过 Append 写入。
type MemoryStore struct {
	mu   sync.Mutex
	rows []*Row
}

// NewMemoryStore 创建内存 outbox 存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 落一行（内存台账的提交路径调用）
func (s *MemoryStore) Append(draft Draft) (*Row, error) {
	body, err := json.Marshal(draft.Body)
	if err != nil {
		return nil, fmt.Errorf("序列化 outbox payload 失败: %w", err)
	}
	r := &Row{
		ID:        uuid.NewString(),
		JobID:     draft.JobID,
		Queue:     draft.Queue,
		Task:      draft.Task,
		Body:      body,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.rows = append(s.rows, r)
	s.mu.Unlock()
	return r, nil
}

func (s *MemoryStore) DispatchPending(ctx context.Context, limit int, publish PublishFunc) (int, int, error) {
	s.mu.Lock()
	var claimed []*Row
	for _, r := range s.rows {
		if r.SentAt == nil {
			claimed = append(claimed, r)
			if len(claimed) >= limit {
				break
			}
		}
	}
	s.mu.Unlock()

	var sent, failed int
	for _, r := range claimed {
		if err := publish(ctx, r); err != nil {
			failed++
			s.mu.Lock()
			r.Attempts++
			r.LastError = truncateErr(err.Error())
			s.mu.Unlock()
			continue
		}
		sent++
		now := time.Now()
		s.mu.Lock()
		r.Attempts++
		r.SentAt = &now
		s.mu.Unlock()
	}
	return sent, failed, nil
}

func (s *MemoryStore) SweepSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*Row
	var removed int64
	for _, r := range s.rows {
		if r.SentAt != nil && r.SentAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return removed, nil
}

func (s *MemoryStore) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *time.Time
	for _, r := range s.rows {
		if r.SentAt == nil && (oldest == nil || r.CreatedAt.Before(*oldest)) {
			t := r.CreatedAt
			oldest = &t
		}
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}

// Pending 返回未发送行数（测试用）
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.SentAt == nil {
			n++
		}
	}
	return n
}

// Rows 返回全部行的快照（测试用）
func (s *MemoryStore) Rows() []*Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Row, len(s.rows))
	copy(out, s.rows)
	return out
}
