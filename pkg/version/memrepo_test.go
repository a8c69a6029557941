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

package version

import (
	"context"
	"testing"

	"pushstore.dev/pkg/pusherr"
)

func TestCreatePendingThenComplete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository(nil)

	v, err := repo.CreatePending(ctx, "proj1", "alice", "initial commit")
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if v.Status != StatusPending {
		t.Fatalf("expected pending, got %s", v.Status)
	}

	if err := repo.MarkProcessing(ctx, v.UID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	completed, err := repo.Complete(ctx, v.UID, CompleteParams{
		ManifestRef: "projects/proj1/versions/" + v.UID + "/manifest.json",
		FileCount:   2,
		FileSize:    100,
		Hash:        "abc123",
		FilesAdded:  2,
		SizeChange:  100,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.VersionNumber != 1 {
		t.Fatalf("expected version_number 1, got %d", completed.VersionNumber)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
}

func TestCompleteRejectsNonProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository(nil)
	v, _ := repo.CreatePending(ctx, "proj1", "alice", "msg")

	_, err := repo.Complete(ctx, v.UID, CompleteParams{Hash: "h"})
	if !pusherr.Is(err, pusherr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestVersionNumbersIncreasePerProject(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository(nil)

	var nums []int
	for i := 0; i < 3; i++ {
		v, _ := repo.CreatePending(ctx, "proj1", "alice", "msg")
		repo.MarkProcessing(ctx, v.UID)
		completed, err := repo.Complete(ctx, v.UID, CompleteParams{Hash: "hash-" + v.UID})
		if err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
		nums = append(nums, completed.VersionNumber)
	}
	for i, n := range nums {
		if n != i+1 {
			t.Fatalf("expected version numbers 1,2,3; got %v", nums)
		}
	}
}

func TestFindCompletedByHashDedupe(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository(nil)

	v, _ := repo.CreatePending(ctx, "proj1", "alice", "msg")
	repo.MarkProcessing(ctx, v.UID)
	completed, err := repo.Complete(ctx, v.UID, CompleteParams{Hash: "dupe-hash"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	found, ok, err := repo.FindCompletedByHash(ctx, "proj1", "dupe-hash")
	if err != nil || !ok {
		t.Fatalf("FindCompletedByHash: ok=%v err=%v", ok, err)
	}
	if found.UID != completed.UID {
		t.Fatalf("expected to find %s, got %s", completed.UID, found.UID)
	}

	if _, ok, _ := repo.FindCompletedByHash(ctx, "proj2", "dupe-hash"); ok {
		t.Fatal("hash lookup must be scoped per project")
	}
}

func TestPushLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository(nil)

	p, err := repo.Create(ctx, "proj1", "alice", "msg", nil, "version-uid", PushPending)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := repo.CompareAndSwapStatus(ctx, p.UID, PushPending, PushProcessing)
	if err != nil || !ok {
		t.Fatalf("CAS pending->processing: ok=%v err=%v", ok, err)
	}

	// A stale transition attempt from the wrong state should no-op.
	ok, err = repo.CompareAndSwapStatus(ctx, p.UID, PushAwaitingApproval, PushApproved)
	if err != nil || ok {
		t.Fatalf("expected CAS from wrong state to fail cleanly: ok=%v err=%v", ok, err)
	}

	if err := repo.Finish(ctx, p.UID, PushDone, "done", ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, ok, err := repo.GetPush(ctx, p.UID)
	if err != nil || !ok {
		t.Fatalf("GetPush: ok=%v err=%v", ok, err)
	}
	if got.Status != PushDone || got.Progress != 100 {
		t.Fatalf("unexpected final push state: %+v", got)
	}
	if !got.Status.IsTerminal() {
		t.Fatal("done should be terminal")
	}
}

func TestDeleteVersionRemovesDedupeEntry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository(nil)

	v, _ := repo.CreatePending(ctx, "proj1", "alice", "msg")
	repo.MarkProcessing(ctx, v.UID)
	completed, _ := repo.Complete(ctx, v.UID, CompleteParams{Hash: "h1"})

	if err := repo.Delete(ctx, completed.UID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := repo.FindCompletedByHash(ctx, "proj1", "h1"); ok {
		t.Fatal("expected dedupe entry to be removed alongside the version")
	}
}
