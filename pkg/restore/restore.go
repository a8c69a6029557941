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

// Package restore materializes a completed Version onto a directory,
// either by extracting its snapshot archive or by walking its
// manifest and pulling each entry from CAS or inline storage.
// Grounded on the original Django implementation's
// restore_version_to_directory/_restore_from_snapshot/_restore_from_manifest
// functions, which collect per-file errors rather than aborting a
// restore on the first missing blob.
package restore

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"pushstore.dev/pkg/cas"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/manifest"
	"pushstore.dev/pkg/pusherr"
	"pushstore.dev/pkg/version"
)

// FileError records one file that failed to restore without aborting
// the rest of the pass.
type FileError struct {
	Path string
	Err  error
}

// Stats summarizes a restore pass. Success is true iff no per-file
// error occurred.
type Stats struct {
	FilesRestored int
	TotalSize     int64
	Errors        []FileError
}

// Success reports whether every file restored cleanly.
func (s Stats) Success() bool { return len(s.Errors) == 0 }

// Restorer reads a Version's stored content back onto disk or into a
// stream. It has no mutable state of its own; every method is safe
// for concurrent use.
type Restorer struct {
	Files filestore.FileStore
	Blobs *cas.BlobStore
}

// New builds a Restorer over files (manifest.json/snapshot.zip
// storage) and blobs (CAS payloads).
func New(files filestore.FileStore, blobs *cas.BlobStore) *Restorer {
	return &Restorer{Files: files, Blobs: blobs}
}

// Restore materializes v into targetDir, which must already exist.
// If v is a snapshot, its archive is extracted directly. Otherwise its
// manifest is decoded and each entry is pulled from CAS or inlined
// content. A missing CAS blob or an unwritable path is recorded in
// Stats.Errors and does not stop the rest of the pass.
func (r *Restorer) Restore(ctx context.Context, v version.Version, targetDir string) (Stats, error) {
	if v.IsSnapshot {
		return r.restoreFromSnapshot(ctx, v, targetDir)
	}
	return r.restoreFromManifest(ctx, v, targetDir)
}

func (r *Restorer) restoreFromSnapshot(ctx context.Context, v version.Version, targetDir string) (Stats, error) {
	data, err := r.readAll(ctx, v.SnapshotRef)
	if err != nil {
		return Stats{}, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "restore: open snapshot %s: %v", v.SnapshotRef, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Stats{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "restore: read snapshot %s: %v", v.SnapshotRef, err)
	}

	var stats Stats
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		if err := extractZipEntry(zf, targetDir); err != nil {
			stats.Errors = append(stats.Errors, FileError{Path: zf.Name, Err: err})
			continue
		}
		stats.FilesRestored++
		stats.TotalSize += int64(zf.UncompressedSize64)
	}
	return stats, nil
}

func extractZipEntry(zf *zip.File, targetDir string) error {
	dest, err := safeJoin(targetDir, zf.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

// restoreConcurrency bounds how many files are streamed out of CAS or
// written inline at once, so a version with thousands of entries
// doesn't open thousands of file descriptors simultaneously.
const restoreConcurrency = 8

func (r *Restorer) restoreFromManifest(ctx context.Context, v version.Version, targetDir string) (Stats, error) {
	data, err := r.readAll(ctx, v.ManifestRef)
	if err != nil {
		return Stats{}, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "restore: open manifest %s: %v", v.ManifestRef, err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return Stats{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "restore: decode manifest %s: %v", v.ManifestRef, err)
	}

	var (
		mu    sync.Mutex
		stats Stats
	)
	g := new(errgroup.Group)
	g.SetLimit(restoreConcurrency)
	for _, entry := range m.Files {
		entry := entry
		g.Go(func() error {
			// A per-file failure is recorded, not propagated: one
			// missing blob must not abort the files that do restore
			// cleanly, so restoreEntry's error never reaches errgroup.
			if err := r.restoreEntry(ctx, entry, targetDir); err != nil {
				mu.Lock()
				stats.Errors = append(stats.Errors, FileError{Path: entry.Path, Err: err})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			stats.FilesRestored++
			stats.TotalSize += entry.Size
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return a non-nil error; failures go to stats.Errors
	return stats, nil
}

func (r *Restorer) restoreEntry(ctx context.Context, entry manifest.Entry, targetDir string) error {
	dest, err := safeJoin(targetDir, entry.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	if entry.Storage == manifest.StorageInline {
		return os.WriteFile(dest, entry.Content, 0o644)
	}

	rc, err := r.Blobs.Open(ctx, entry.BlobID)
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

// ListFiles returns the per-file paths a Restore of v would produce,
// without writing anything to disk. For manifest versions this is
// just the manifest's entry paths; for snapshot versions it reads the
// archive's central directory only.
func (r *Restorer) ListFiles(ctx context.Context, v version.Version) ([]string, error) {
	if !v.IsSnapshot {
		data, err := r.readAll(ctx, v.ManifestRef)
		if err != nil {
			return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "restore: list files: open manifest %s: %v", v.ManifestRef, err)
		}
		m, err := manifest.Decode(data)
		if err != nil {
			return nil, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "restore: list files: decode manifest %s: %v", v.ManifestRef, err)
		}
		paths := make([]string, len(m.Files))
		for i, e := range m.Files {
			paths[i] = e.Path
		}
		return paths, nil
	}

	data, err := r.readAll(ctx, v.SnapshotRef)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "restore: list files: open snapshot %s: %v", v.SnapshotRef, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "restore: list files: read snapshot %s: %v", v.SnapshotRef, err)
	}
	var paths []string
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		paths = append(paths, zf.Name)
	}
	return paths, nil
}

func (r *Restorer) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := r.Files.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// safeJoin joins targetDir with rel, rejecting anything that would
// escape targetDir via ".." segments or an absolute path — archives
// and manifests are not trusted to contain well-behaved paths.
func safeJoin(targetDir, rel string) (string, error) {
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "/") {
		return "", pusherr.Wrapf(pusherr.ErrManifestCorrupt, "restore: unsafe path %q", rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", pusherr.Wrapf(pusherr.ErrManifestCorrupt, "restore: unsafe path %q", rel)
		}
	}
	return filepath.Join(targetDir, filepath.FromSlash(rel)), nil
}
