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

package restore

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/cas"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/manifest"
	"pushstore.dev/pkg/version"
)

func TestRestoreFromManifestInlineAndCAS(t *testing.T) {
	ctx := context.Background()
	files := filestore.NewMemory()
	blobs := cas.New(filestore.NewMemory(), cas.NewMemIndex(), nil)

	big := bytes.Repeat([]byte("y"), 64)
	ref := blob.FromBytes(big)
	row, _, err := blobs.Store(ctx, bytes.NewReader(big), ref, int64(len(big)))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := blobs.Acquire(ctx, row.ID, "proj1", "v1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	m := manifest.Manifest{
		Files: []manifest.Entry{
			{Path: "readme.txt", Hash: blob.FromBytes([]byte("hello")).String(), Size: 5, Storage: manifest.StorageInline, Content: []byte("hello")},
			{Path: "nested/big.bin", Hash: ref.String(), Size: int64(len(big)), Storage: manifest.StorageCAS, BlobID: row.ID},
		},
	}
	data, err := manifest.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := files.Put(ctx, "manifest.json", bytes.NewReader(data)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := New(files, blobs)
	v := version.Version{UID: "v1", ManifestRef: "manifest.json"}
	dir := t.TempDir()
	stats, err := r.Restore(ctx, v, dir)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !stats.Success() {
		t.Fatalf("stats.Errors = %+v", stats.Errors)
	}
	if stats.FilesRestored != 2 {
		t.Fatalf("FilesRestored = %d, want 2", stats.FilesRestored)
	}

	got, err := os.ReadFile(filepath.Join(dir, "readme.txt"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("readme.txt = %q, err = %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dir, "nested", "big.bin"))
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("big.bin mismatch, err = %v", err)
	}
}

func TestRestoreFromManifestMissingBlobRecordsError(t *testing.T) {
	ctx := context.Background()
	files := filestore.NewMemory()
	blobs := cas.New(filestore.NewMemory(), cas.NewMemIndex(), nil)

	m := manifest.Manifest{
		Files: []manifest.Entry{
			{Path: "gone.bin", Hash: "deadbeef", Size: 3, Storage: manifest.StorageCAS, BlobID: 999},
			{Path: "ok.txt", Hash: blob.FromBytes([]byte("ok")).String(), Size: 2, Storage: manifest.StorageInline, Content: []byte("ok")},
		},
	}
	data, _ := manifest.Encode(m)
	files.Put(ctx, "manifest.json", bytes.NewReader(data))

	r := New(files, blobs)
	v := version.Version{UID: "v1", ManifestRef: "manifest.json"}
	stats, err := r.Restore(ctx, v, t.TempDir())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if stats.Success() {
		t.Fatal("expected a per-file error for the missing blob")
	}
	if len(stats.Errors) != 1 || stats.Errors[0].Path != "gone.bin" {
		t.Fatalf("Errors = %+v", stats.Errors)
	}
	if stats.FilesRestored != 1 {
		t.Fatalf("FilesRestored = %d, want 1 (the other file still restores)", stats.FilesRestored)
	}
}

func TestRestoreFromSnapshotExtractsZip(t *testing.T) {
	ctx := context.Background()
	files := filestore.NewMemory()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("a/b.txt")
	w.Write([]byte("contents"))
	zw.Close()
	files.Put(ctx, "snapshot.zip", bytes.NewReader(buf.Bytes()))

	r := New(files, nil)
	v := version.Version{UID: "v2", IsSnapshot: true, SnapshotRef: "snapshot.zip"}
	dir := t.TempDir()
	stats, err := r.Restore(ctx, v, dir)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !stats.Success() || stats.FilesRestored != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	if err != nil || string(got) != "contents" {
		t.Fatalf("a/b.txt = %q, err = %v", got, err)
	}
}

func TestListFilesSnapshotDoesNotWriteToDisk(t *testing.T) {
	ctx := context.Background()
	files := filestore.NewMemory()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("one.txt")
	w.Write([]byte("1"))
	w, _ = zw.Create("two.txt")
	w.Write([]byte("2"))
	zw.Close()
	files.Put(ctx, "snapshot.zip", bytes.NewReader(buf.Bytes()))

	r := New(files, nil)
	v := version.Version{UID: "v3", IsSnapshot: true, SnapshotRef: "snapshot.zip"}
	paths, err := r.ListFiles(ctx, v)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2 entries", paths)
	}
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	if _, err := safeJoin("/tmp/target", "../../etc/passwd"); err == nil {
		t.Fatal("expected an error for a path traversal attempt")
	}
}
