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

package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryBroker_PublishConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewMemoryBroker()
	defer b.Close()

	msg := Message{ID: "o1", Task: "process_mock", Body: json.RawMessage(`{"job_id":"j1"}`)}
	if err := b.Publish(ctx, "default", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case d := <-ch:
		if d.Task != "process_mock" || d.ID != "o1" {
			t.Errorf("投递内容不符: %+v", d.Message)
		}
		if d.Attempt != 0 {
			t.Errorf("首次投递 Attempt 应为 0, got %d", d.Attempt)
		}
		if err := d.Ack(ctx); err != nil {
			t.Errorf("Ack: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("未收到投递")
	}
}

func TestMemoryBroker_NackRedelivers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewMemoryBroker()
	defer b.Close()

	if err := b.Publish(ctx, "q", Message{ID: "o1", Task: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ch, _ := b.Consume(ctx, "q")

	d := <-ch
	if err := d.Nack(ctx, 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	select {
	case d2 := <-ch:
		if d2.Attempt != 1 {
			t.Errorf("重投后 Attempt 应为 1, got %d", d2.Attempt)
		}
	case <-ctx.Done():
		t.Fatal("Nack 后未重投")
	}
}

func TestMemoryBroker_NackWithDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewMemoryBroker()
	defer b.Close()

	if err := b.Publish(ctx, "q", Message{ID: "o1", Task: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ch, _ := b.Consume(ctx, "q")

	d := <-ch
	start := time.Now()
	if err := d.Nack(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	select {
	case <-ch:
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Errorf("延迟重投过早: %v", elapsed)
		}
	case <-ctx.Done():
		t.Fatal("延迟重投未发生")
	}
}

func TestMemoryBroker_NackBlocksInsteadOfDropping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 缓冲 1：收下 m1 后发布 m2、m3，m2 被消费循环持有待投，
	// m3 占满缓冲，此时 Nack(m1) 必须等待空位而不是丢弃
	b := &memoryBroker{queues: make(map[string]chan Message), buf: 1}

	if err := b.Publish(ctx, "q", Message{ID: "m1", Task: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ch, _ := b.Consume(ctx, "q")
	d1 := <-ch
	if err := b.Publish(ctx, "q", Message{ID: "m2", Task: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, "q", Message{ID: "m3", Task: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	nackDone := make(chan error, 1)
	go func() { nackDone <- d1.Nack(ctx, 0) }()

	got := map[string]int{}
	for i := 0; i < 3; i++ {
		select {
		case d := <-ch:
			got[d.ID] = d.Attempt
		case <-ctx.Done():
			t.Fatalf("只收到 %d 条投递: %v", i, got)
		}
	}
	if err := <-nackDone; err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if attempt, ok := got["m1"]; !ok || attempt != 1 {
		t.Errorf("m1 应重投且 Attempt=1: %v", got)
	}
}

func TestMemoryBroker_ConsumeStopsOnCancel(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Consume(ctx, "q")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("取消后不应再投递")
		}
	case <-time.After(time.Second):
		t.Error("取消后通道应关闭")
	}
}
