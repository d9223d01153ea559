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

package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	pkgerrors "job-platform/pkg/errors"
)

// MockStage 模拟处理阶段
type MockStage struct {
	Name     string
	Duration time.Duration
}

// DefaultMockStages 默认三阶段
func DefaultMockStages() []MockStage {
	return []MockStage{
		{Name: "extracting", Duration: 2 * time.Second},
		{Name: "analyzing", Duration: 3 * time.Second},
		{Name: "indexing", Duration: time.Second},
	}
}

// ParseMockStages 解析形如 "2s,3s,1s" 的阶段时长配置；
// 数量不足三个或解析失败时回退默认
func ParseMockStages(s string) []MockStage {
	stages := DefaultMockStages()
	parts := strings.Split(s, ",")
	if len(parts) != len(stages) {
		return stages
	}
	for i, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return DefaultMockStages()
		}
		stages[i].Duration = d
	}
	return stages
}

// MockHandler process_mock 任务：按阶段推进进度，可由
// payload.fail_at_stage 注入确定性失败（用于重试链路验证）。
type MockHandler struct {
	stages []MockStage
}

// NewMockHandler 创建 mock 处理器；stages 为空用默认
func NewMockHandler(stages []MockStage) *MockHandler {
	if len(stages) == 0 {
		stages = DefaultMockStages()
	}
	return &MockHandler{stages: stages}
}

func (h *MockHandler) Execute(ctx context.Context, t *Task) (map[string]any, error) {
	if assetID, _ := t.Job.Payload["asset_id"].(string); assetID == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "payload 缺少 asset_id")
	}
	failAt, _ := t.Job.Payload["fail_at_stage"].(string)

	var total time.Duration
	for _, s := range h.stages {
		total += s.Duration
	}

	var elapsed time.Duration
	completed := make([]string, 0, len(h.stages))
	for _, stage := range h.stages {
		pct := 0
		if total > 0 {
			pct = int(elapsed * 100 / total)
		}
		if err := t.Progress(ctx, pct, stage.Name); err != nil {
			return nil, err
		}
		if failAt == stage.Name {
			return nil, fmt.Errorf("模拟失败于阶段 %s", stage.Name)
		}
		if err := sleepCtx(ctx, stage.Duration); err != nil {
			return nil, err
		}
		elapsed += stage.Duration
		completed = append(completed, stage.Name)
	}
	if err := t.Progress(ctx, 100, ""); err != nil {
		return nil, err
	}
	return map[string]any{
		"stages_completed":  completed,
		"total_duration_ms": elapsed.Milliseconds(),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
