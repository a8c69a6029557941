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

package cas

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/pusherr"
)

func newTestStore() *BlobStore {
	return New(filestore.NewMemory(), NewMemIndex(), nil)
}

func TestStoreAndOpen(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	content := []byte("hello, pushstore")
	ref := blob.FromBytes(content)

	row, created, err := bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content)))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first store")
	}
	if row.RefCount != 0 {
		t.Fatalf("new blob should start at ref_count 0, got %d", row.RefCount)
	}

	rc, err := bs.Open(ctx, row.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestStoreDeduplicates(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	content := []byte("shared payload")
	ref := blob.FromBytes(content)

	row1, created1, err := bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content)))
	if err != nil || !created1 {
		t.Fatalf("first store: row=%v created=%v err=%v", row1, created1, err)
	}
	row2, created2, err := bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content)))
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if created2 {
		t.Fatal("second store of identical content should not report created")
	}
	if row1.ID != row2.ID {
		t.Fatalf("expected same blob id, got %d and %d", row1.ID, row2.ID)
	}
}

func TestStoreHashMismatchRejected(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	wrongRef := blob.FromBytes([]byte("not the real content"))
	_, _, err := bs.Store(ctx, strings.NewReader("actual content"), wrongRef, 0)
	if !pusherr.Is(err, pusherr.ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestAcquireReleaseRefCounting(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	content := []byte("versioned asset")
	ref := blob.FromBytes(content)
	row, _, err := bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content)))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if n, err := bs.Acquire(ctx, row.ID, "proj1", "version-a"); err != nil || n != 1 {
		t.Fatalf("Acquire v-a: n=%d err=%v", n, err)
	}
	if n, err := bs.Acquire(ctx, row.ID, "proj1", "version-b"); err != nil || n != 2 {
		t.Fatalf("Acquire v-b: n=%d err=%v", n, err)
	}
	// Re-acquiring the same holder is idempotent.
	if n, err := bs.Acquire(ctx, row.ID, "proj1", "version-a"); err != nil || n != 2 {
		t.Fatalf("re-acquire v-a: n=%d err=%v", n, err)
	}

	if n, err := bs.Release(ctx, row.ID, "version-a"); err != nil || n != 1 {
		t.Fatalf("Release v-a: n=%d err=%v", n, err)
	}

	deleted, err := bs.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("blob still has a reference, should not be swept; deleted=%d", deleted)
	}

	if n, err := bs.Release(ctx, row.ID, "version-b"); err != nil || n != 0 {
		t.Fatalf("Release v-b: n=%d err=%v", n, err)
	}

	deleted, err = bs.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 blob swept, got %d", deleted)
	}

	if _, ok, err := bs.Lookup(ctx, ref); err != nil || ok {
		t.Fatalf("swept blob should be gone, ok=%v err=%v", ok, err)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()
	bs := New(filestore.NewMemory(), idx, nil)

	content := []byte("drifted")
	ref := blob.FromBytes(content)
	row, _, err := bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content)))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := bs.Acquire(ctx, row.ID, "proj", "v1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Force drift directly on the index, simulating a crash that left
	// ref_count stale relative to the actual reference rows.
	idx.mu.Lock()
	idx.byID[row.ID].row.RefCount = 99
	idx.mu.Unlock()

	before, after, err := bs.Reconcile(ctx, row.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if before != 99 {
		t.Fatalf("expected before=99, got %d", before)
	}
	if after != 1 {
		t.Fatalf("expected after=1 (one reference row), got %d", after)
	}
}

func TestStatsCountsAcrossProjects(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	a := []byte("project a payload")
	b := []byte("project b payload, longer")
	refA, refB := blob.FromBytes(a), blob.FromBytes(b)
	rowA, _, err := bs.Store(ctx, bytes.NewReader(a), refA, int64(len(a)))
	if err != nil {
		t.Fatalf("Store a: %v", err)
	}
	rowB, _, err := bs.Store(ctx, bytes.NewReader(b), refB, int64(len(b)))
	if err != nil {
		t.Fatalf("Store b: %v", err)
	}
	if _, err := bs.Acquire(ctx, rowA.ID, "proj-a", "v1"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := bs.Acquire(ctx, rowB.ID, "proj-b", "v1"); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	count, totalBytes, err := bs.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if count != 2 || totalBytes != int64(len(a)+len(b)) {
		t.Fatalf("Stats() = (%d, %d), want (2, %d)", count, totalBytes, len(a)+len(b))
	}

	count, totalBytes, err = bs.Stats(ctx, "proj-a")
	if err != nil {
		t.Fatalf("Stats(proj-a): %v", err)
	}
	if count != 1 || totalBytes != int64(len(a)) {
		t.Fatalf("Stats(proj-a) = (%d, %d), want (1, %d)", count, totalBytes, len(a))
	}
}

func TestOpenMissingBlobID(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()
	_, err := bs.Open(ctx, 12345)
	if !pusherr.Is(err, pusherr.ErrBlobMissing) {
		t.Fatalf("expected ErrBlobMissing, got %v", err)
	}
}

func TestOrphans(t *testing.T) {
	ctx := context.Background()
	mem := filestore.NewMemory()
	bs := New(mem, NewMemIndex(), nil)

	content := []byte("tracked")
	ref := blob.FromBytes(content)
	if _, _, err := bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content))); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Simulate a leftover payload with no index row.
	strayKey := blobKey(blob.FromBytes([]byte("stray")))
	if _, err := mem.Put(ctx, strayKey, strings.NewReader("stray")); err != nil {
		t.Fatalf("Put stray: %v", err)
	}

	orphans, err := bs.Orphans(ctx)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != strayKey {
		t.Fatalf("expected exactly [%s], got %v", strayKey, orphans)
	}
}

func TestStoreConcurrentSameHash(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore()

	content := []byte(strings.Repeat("x", 4096))
	ref := blob.FromBytes(content)

	const n = 16
	var wg sync.WaitGroup
	rows := make([]BlobRow, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rows[i], _, errs[i] = bs.Store(ctx, bytes.NewReader(content), ref, int64(len(content)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if rows[i].ID != rows[0].ID {
			t.Fatalf("goroutine %d got a different blob id: %d vs %d", i, rows[i].ID, rows[0].ID)
		}
	}
}
