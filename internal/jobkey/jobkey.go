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

// Package jobkey 计算服务端幂等键。
// 同一租户下相同类型、语义等价 payload 的提交得到同一个 key，
// 据此在台账层做唯一约束去重。
package jobkey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Compute 计算 job_key：sha256(org_id + ":" + job_type + ":" + canonicalJSON(payload)) 的 hex。
// payload 的 map 键序、空白差异不影响结果；数组元素顺序影响结果。
func Compute(orgID, jobType string, payload map[string]any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("规范化 payload 失败: %w", err)
	}
	sum := sha256.Sum256([]byte(orgID + ":" + jobType + ":" + canonical))
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON 返回 payload 的规范 JSON：键按字典序、无多余空白。
// encoding/json 对 map 序列化时已按键排序，嵌套 map 同样适用。
func CanonicalJSON(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TextHash 返回文本的短指纹：sha256 hex 的前 16 个字符。
// 嵌入类任务的 payload 用它替代原文参与幂等键计算。
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
