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

package filestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
)

func stores(t *testing.T) map[string]FileStore {
	t.Helper()
	disk, err := NewLocalDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDisk: %v", err)
	}
	return map[string]FileStore{
		"memory":    NewMemory(),
		"localdisk": disk,
	}
}

func TestPutOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, fs := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n, err := fs.Put(ctx, "a/b.txt", strings.NewReader("hello"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if n != 5 {
				t.Fatalf("Put returned %d, want 5", n)
			}
			rc, err := fs.Open(ctx, "a/b.txt")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer rc.Close()
			buf := make([]byte, 5)
			if _, err := rc.Read(buf); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if string(buf) != "hello" {
				t.Fatalf("content = %q, want %q", buf, "hello")
			}
		})
	}
}

func TestOpenMissingKeyReturnsErrNotExist(t *testing.T) {
	ctx := context.Background()
	for name, fs := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := fs.Open(ctx, "nope"); !errors.Is(err, ErrNotExist) {
				t.Fatalf("Open(missing) = %v, want ErrNotExist", err)
			}
			if _, err := fs.Stat(ctx, "nope"); !errors.Is(err, ErrNotExist) {
				t.Fatalf("Stat(missing) = %v, want ErrNotExist", err)
			}
		})
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	ctx := context.Background()
	for name, fs := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fs.Put(ctx, "k", strings.NewReader("first"))
			fs.Put(ctx, "k", strings.NewReader("second, longer"))
			rc, err := fs.Open(ctx, "k")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer rc.Close()
			buf := make([]byte, 64)
			n, _ := rc.Read(buf)
			if string(buf[:n]) != "second, longer" {
				t.Fatalf("content = %q, want the overwritten value", buf[:n])
			}
		})
	}
}

func TestExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, fs := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fs.Put(ctx, "k", strings.NewReader("v"))
			if ok, err := fs.Exists(ctx, "k"); err != nil || !ok {
				t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
			}
			if err := fs.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if ok, _ := fs.Exists(ctx, "k"); ok {
				t.Fatal("Exists after Delete = true")
			}
			if err := fs.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete of a missing key should be a no-op, got %v", err)
			}
		})
	}
}

func TestEnumerateByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, fs := range stores(t) {
		t.Run(name, func(t *testing.T) {
			enum, ok := fs.(Enumerator)
			if !ok {
				t.Fatalf("%T does not implement Enumerator", fs)
			}
			fs.Put(ctx, "blobs/ab/abc1", strings.NewReader("x"))
			fs.Put(ctx, "blobs/cd/cde2", strings.NewReader("y"))
			fs.Put(ctx, "downloads/d1.zip", strings.NewReader("z"))

			got, err := enum.Enumerate(ctx, "blobs/")
			if err != nil {
				t.Fatalf("Enumerate: %v", err)
			}
			sort.Strings(got)
			want := []string{"blobs/ab/abc1", "blobs/cd/cde2"}
			if len(got) != len(want) {
				t.Fatalf("Enumerate(%q) = %v, want %v", "blobs/", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("Enumerate(%q) = %v, want %v", "blobs/", got, want)
				}
			}
		})
	}
}

func TestLocalDiskRejectsKeyEscapingRoot(t *testing.T) {
	disk, err := NewLocalDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDisk: %v", err)
	}
	ctx := context.Background()
	if _, err := disk.Put(ctx, "../../etc/passwd", strings.NewReader("x")); err == nil {
		t.Fatal("expected an error for a key that escapes the store root")
	}
}

func TestNewLocalDiskRequiresExistingDirectory(t *testing.T) {
	if _, err := NewLocalDisk("/no/such/directory/pushstore-test"); err == nil {
		t.Fatal("expected an error for a missing root directory")
	}
}
