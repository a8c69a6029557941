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

// Package mastertree reconciles a project's on-disk working directory
// against an incoming file list: copying in new or changed content,
// removing anything no longer present, and pruning directories left
// empty by the removals. Grounded on rybkr-gitvista's working-tree
// walk in internal/gitcore/status.go (filepath.WalkDir over the
// working directory, comparing against a path set, skipping
// uninteresting entries), adapted from a read-only status diff to a
// mutating reconcile pass.
package mastertree

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/pusherr"
)

// Entry is one incoming file to reconcile into the tree.
type Entry struct {
	RelativePath string
	Hash         string
	Size         int64
}

// FetchFunc resolves an Entry's content. The caller owns the returned
// ReadCloser's lifetime; Reconcile always closes it.
type FetchFunc func(ctx context.Context, e Entry) (io.ReadCloser, error)

// CancelCheckFunc is polled at bounded cadence during reconciliation;
// a non-nil error aborts the pass.
type CancelCheckFunc func() error

// Summary reports what a Reconcile pass did.
type Summary struct {
	Copied    int
	Unchanged int
	Removed   int
}

// checkpointEvery bounds how often CancelCheckFunc is polled, per the
// at-most-every-10-files cancellation cadence.
const checkpointEvery = 10

// Reconcile makes root's contents match entries exactly: existing
// files whose content hash already matches are left untouched, new or
// changed files are fetched and written atomically (temp file +
// rename), and anything under root not named by entries is removed.
// Empty directories left behind by removals are pruned bottom-up.
//
// Callers are expected to serialize Reconcile calls for a given root
// themselves (one project mutex per working directory); this function
// does no locking of its own.
func Reconcile(ctx context.Context, root string, entries []Entry, fetch FetchFunc, cancelCheck CancelCheckFunc) (Summary, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Summary{}, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: mkdir %s: %v", root, err)
	}

	wanted := make(map[string]Entry, len(entries))
	for _, e := range entries {
		wanted[filepath.ToSlash(e.RelativePath)] = e
	}

	var sum Summary
	for i, e := range entries {
		if i%checkpointEvery == 0 {
			if err := checkCancel(cancelCheck); err != nil {
				return sum, err
			}
		}
		changed, err := reconcileOne(ctx, root, e, fetch)
		if err != nil {
			return sum, err
		}
		if changed {
			sum.Copied++
		} else {
			sum.Unchanged++
		}
	}

	if err := checkCancel(cancelCheck); err != nil {
		return sum, err
	}

	removed, err := removeUnwanted(root, wanted)
	if err != nil {
		return sum, err
	}
	sum.Removed = removed

	if err := pruneEmptyDirs(root); err != nil {
		return sum, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: prune empty dirs: %v", err)
	}

	return sum, nil
}

func checkCancel(cancelCheck CancelCheckFunc) error {
	if cancelCheck == nil {
		return nil
	}
	if err := cancelCheck(); err != nil {
		return pusherr.Wrapf(pusherr.ErrCancelled, "mastertree: %v", err)
	}
	return nil
}

// reconcileOne ensures dest exists with content matching e, returning
// whether it had to write. A file already at dest is kept untouched
// whenever its on-disk content hashes to e.Hash, so an unchanged file
// is never rewritten even though the manifest builder will re-hash it
// again right after reconciliation finishes.
func reconcileOne(ctx context.Context, root string, e Entry, fetch FetchFunc) (changed bool, err error) {
	dest := filepath.Join(root, filepath.FromSlash(e.RelativePath))
	if matchesHash(dest, e.Size, e.Hash) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: mkdir for %s: %v", e.RelativePath, err)
	}

	rc, err := fetch(ctx, e)
	if err != nil {
		return false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: fetch %s: %v", e.RelativePath, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".mastertree-*")
	if err != nil {
		return false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: create temp for %s: %v", e.RelativePath, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: write %s: %v", e.RelativePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: close temp for %s: %v", e.RelativePath, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: rename into place for %s: %v", e.RelativePath, err)
	}
	return true, nil
}

// matchesHash reports whether the file at dest exists, has the given
// size, and hashes to want (a hex SHA-256 digest). The size check is
// a cheap short-circuit before paying for a full read.
func matchesHash(dest string, size int64, want string) bool {
	info, err := os.Stat(dest)
	if err != nil || info.Size() != size {
		return false
	}
	f, err := os.Open(dest)
	if err != nil {
		return false
	}
	defer f.Close()
	ref, _, err := blob.FromReader(f)
	if err != nil {
		return false
	}
	return ref.String() == want
}

// removeUnwanted deletes every regular file under root not present in
// wanted (keyed by slash-separated relative path). It walks every
// directory, leading-dot ones included, so VCS metadata left under
// root is removed like any other unlisted file.
func removeUnwanted(root string, wanted map[string]Entry) (int, error) {
	var toRemove []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := wanted[rel]; !ok {
			toRemove = append(toRemove, path)
		}
		return nil
	})
	if walkErr != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: walk %s: %v", root, walkErr)
	}

	sort.Strings(toRemove)
	for _, path := range toRemove {
		if err := os.Remove(path); err != nil {
			return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "mastertree: remove %s: %v", path, err)
		}
	}
	return len(toRemove), nil
}

// pruneEmptyDirs removes directories left empty by removeUnwanted,
// working bottom-up so a directory that becomes empty only after its
// child was pruned is itself considered.
func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deepest paths first so a parent only gets evaluated after its
	// children have had a chance to be removed.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			os.Remove(dir) //nolint:errcheck // best-effort; a race repopulating it is not an error
		}
	}
	return nil
}
