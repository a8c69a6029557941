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

package mastertree

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"pushstore.dev/pkg/blob"
)

func contentEntry(path, content string) (Entry, string) {
	ref := blob.FromBytes([]byte(content))
	return Entry{RelativePath: path, Hash: ref.String(), Size: int64(len(content))}, content
}

func fetchFromMap(contents map[string]string) FetchFunc {
	return func(ctx context.Context, e Entry) (io.ReadCloser, error) {
		c, ok := contents[e.RelativePath]
		if !ok {
			return nil, errors.New("no such fixture content")
		}
		return io.NopCloser(strings.NewReader(c)), nil
	}
}

func TestReconcileWritesNewFiles(t *testing.T) {
	dir := t.TempDir()
	e1, c1 := contentEntry("song.flp", "binary-ish content")
	e2, c2 := contentEntry("docs/readme.txt", "hello")
	entries := []Entry{e1, e2}

	sum, err := Reconcile(context.Background(), dir, entries, fetchFromMap(map[string]string{
		"song.flp":        c1,
		"docs/readme.txt": c2,
	}), nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if sum.Copied != 2 || sum.Unchanged != 0 || sum.Removed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	got, err := os.ReadFile(filepath.Join(dir, "docs", "readme.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != c2 {
		t.Fatalf("got %q, want %q", got, c2)
	}
}

func TestReconcileSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	e1, c1 := contentEntry("a.txt", "same content")

	fetch := fetchFromMap(map[string]string{"a.txt": c1})
	if _, err := Reconcile(context.Background(), dir, []Entry{e1}, fetch, nil); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	// Second pass: fetch would error if called, proving the unchanged
	// path never re-fetches content it already has.
	failFetch := func(ctx context.Context, e Entry) (io.ReadCloser, error) {
		t.Fatalf("fetch called for unchanged file %s", e.RelativePath)
		return nil, nil
	}
	sum, err := Reconcile(context.Background(), dir, []Entry{e1}, failFetch, nil)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if sum.Unchanged != 1 || sum.Copied != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestReconcileRemovesStaleFilesAndPrunesDirs(t *testing.T) {
	dir := t.TempDir()
	e1, c1 := contentEntry("keep.txt", "keep me")
	e2, c2 := contentEntry("stale/gone.txt", "remove me")

	fetch := fetchFromMap(map[string]string{"keep.txt": c1, "stale/gone.txt": c2})
	if _, err := Reconcile(context.Background(), dir, []Entry{e1, e2}, fetch, nil); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	sum, err := Reconcile(context.Background(), dir, []Entry{e1}, fetchFromMap(map[string]string{"keep.txt": c1}), nil)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if sum.Removed != 1 {
		t.Fatalf("expected 1 removed, got %+v", sum)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale")); !os.IsNotExist(err) {
		t.Fatalf("expected stale/ directory to be pruned, stat err=%v", err)
	}
}

func TestReconcileHonorsCancelCheck(t *testing.T) {
	dir := t.TempDir()
	entries := make([]Entry, 0, 25)
	contents := make(map[string]string)
	for i := 0; i < 25; i++ {
		path := "f" + strconv.Itoa(i) + ".txt"
		e, c := contentEntry(path, "x")
		entries = append(entries, e)
		contents[path] = c
	}

	calls := 0
	cancelAfter := errors.New("cancelled by test")
	_, err := Reconcile(context.Background(), dir, entries, fetchFromMap(contents), func() error {
		calls++
		if calls > 1 {
			return cancelAfter
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
