/*
Copyright 2026 The Pushstore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWorkerPoolRunsRegisteredHandler(t *testing.T) {
	p := New(2, 0, nil)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)

	p.Handle("run_push", func(ctx context.Context, payload any) error {
		mu.Lock()
		got = append(got, payload.(string))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c"} {
		if err := p.Enqueue(ctx, "run_push", uid); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks to run")
		}
	}

	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks run, got %d: %v", len(got), got)
	}
}

func TestWorkerPoolUnknownTaskNameDoesNotBlockOthers(t *testing.T) {
	p := New(1, 0, nil)
	ran := make(chan struct{}, 1)
	p.Handle("known", func(ctx context.Context, payload any) error {
		ran <- struct{}{}
		return nil
	})

	ctx := context.Background()
	if err := p.Enqueue(ctx, "unknown", nil); err != nil {
		t.Fatalf("Enqueue unknown: %v", err)
	}
	if err := p.Enqueue(ctx, "known", nil); err != nil {
		t.Fatalf("Enqueue known: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("known task never ran after an unknown task was queued ahead of it")
	}
	p.Close()
}

func TestWorkerPoolEnqueueAfterCloseFails(t *testing.T) {
	p := New(1, 0, nil)
	p.Handle("noop", func(ctx context.Context, payload any) error { return nil })
	p.Close()

	ctx := context.Background()
	if err := p.Enqueue(ctx, "noop", nil); err == nil {
		t.Fatal("expected Enqueue after Close to fail")
	}
}

func TestWorkerPoolHandlerTimeout(t *testing.T) {
	p := New(1, 20*time.Millisecond, nil)
	sawDeadline := make(chan bool, 1)
	p.Handle("slow", func(ctx context.Context, payload any) error {
		select {
		case <-ctx.Done():
			sawDeadline <- true
		case <-time.After(time.Second):
			sawDeadline <- false
		}
		return ctx.Err()
	})

	if err := p.Enqueue(context.Background(), "slow", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case ok := <-sawDeadline:
		if !ok {
			t.Fatal("handler context did not hit its deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed context cancellation")
	}
	p.Close()
}
