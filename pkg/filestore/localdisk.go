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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDisk is a FileStore backed by the local filesystem, rooted at a
// directory that must already exist. Keys are logical, slash-separated
// paths (e.g. "blobs/ab/ab12...", "downloads/<uid>.zip"); LocalDisk joins
// them onto its root and creates intermediate directories on write.
//
// Writes are atomic with respect to full success: Put writes to a
// temp file alongside the destination and renames it into place, the
// same pattern perkeep's localdisk.DiskStorage uses for blob receipt.
var _ FileStore = (*LocalDisk)(nil)

type LocalDisk struct {
	root string
}

// NewLocalDisk returns a LocalDisk rooted at root, which must already
// exist and be a directory.
func NewLocalDisk(root string) (*LocalDisk, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("filestore: stat root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("filestore: root %q is not a directory", root)
	}
	return &LocalDisk{root: root}, nil
}

// resolve maps a logical key onto a filesystem path, rejecting any key
// that would escape root (e.g. via "..") before it ever reaches os
// calls — the input-boundary validation spec.md §9 asks for instead of
// framework middleware.
func (d *LocalDisk) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("filestore: empty key")
	}
	root := filepath.Clean(d.root)
	full := filepath.Join(root, filepath.FromSlash(key)) // Join cleans, so ".." climbs out of root here
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("filestore: key %q escapes store root", key)
	}
	return full, nil
}

func (d *LocalDisk) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := d.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, fmt.Errorf("filestore: mkdir for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("filestore: create temp for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if copyErr != nil {
			return 0, fmt.Errorf("filestore: write %q: %w", key, copyErr)
		}
		return 0, fmt.Errorf("filestore: close temp for %q: %w", key, closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("filestore: rename into place for %q: %w", key, err)
	}
	return n, nil
}

func (d *LocalDisk) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := d.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("filestore: open %q: %w", key, err)
	}
	return f, nil
}

func (d *LocalDisk) Delete(ctx context.Context, key string) error {
	path, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete %q: %w", key, err)
	}
	return nil
}

func (d *LocalDisk) Exists(ctx context.Context, key string) (bool, error) {
	path, err := d.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("filestore: stat %q: %w", key, err)
}

// Enumerate lists every key under prefix, walking the directory tree
// rooted at it. It skips the temp files Put creates mid-write.
func (d *LocalDisk) Enumerate(ctx context.Context, prefix string) ([]string, error) {
	base, err := d.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.Walk(base, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return nil
			}
			return err
		}
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: enumerate %q: %w", prefix, err)
	}
	return keys, nil
}

func (d *LocalDisk) Stat(ctx context.Context, key string) (int64, error) {
	path, err := d.resolve(key)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return 0, fmt.Errorf("filestore: stat %q: %w", key, err)
	}
	return fi.Size(), nil
}
