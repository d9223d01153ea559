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

import "time"

// BackoffPolicy 重投退避策略
type BackoffPolicy struct {
	Kind string        // none | fixed | exp（exponential 同义）
	Min  time.Duration // fixed 的固定值 / exp 的起点
	Max  time.Duration // exp 的上界
}

// With 用任务级策略类型覆盖 Kind，时间边界沿用配置；kind 为空不覆盖
func (p BackoffPolicy) With(kind string) BackoffPolicy {
	if kind != "" {
		p.Kind = kind
	}
	return p
}

// Delay 第 attempt 次重试（从 1 起）前的等待时间
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	min := p.Min
	if min <= 0 {
		min = time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if min > max {
		min = max
	}
	switch p.Kind {
	case "none":
		return 0
	case "fixed":
		return min
	default: // exp
		d := min
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}
