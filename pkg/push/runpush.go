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

package push

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/diffengine"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/ignore"
	"pushstore.dev/pkg/manifest"
	"pushstore.dev/pkg/mastertree"
	"pushstore.dev/pkg/pusherr"
	"pushstore.dev/pkg/version"
)

// RunPush is the worker entry point a TaskQueue consumer calls with
// the enqueued push uid. It acquires the project's keyed mutex for
// its entire run, matching the per-project serialization that runPush,
// MasterTree.reconcile and VersionRepository.complete all require.
//
// Composition roots register this as the TaskRunPush handler:
//
//	queue.Handle(push.TaskRunPush, func(ctx context.Context, payload any) error {
//		return engine.RunPush(ctx, payload.(string))
//	})
func (e *Engine) RunPush(ctx context.Context, pushUID string) error {
	p, ok, err := e.Pushes.GetPush(ctx, pushUID)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: %v", pushUID, err)
	}
	if !ok {
		return nil // task refers to a push that no longer exists; nothing to do
	}

	unlock := e.locks.Lock(p.Project)
	defer unlock()

	return e.runPushLocked(ctx, pushUID)
}

func (e *Engine) runPushLocked(ctx context.Context, pushUID string) error {
	p, ok, err := e.Pushes.GetPush(ctx, pushUID)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: reload: %v", pushUID, err)
	}
	if !ok || p.Status == version.PushCancelled {
		return nil
	}
	if p.Status == version.PushAwaitingApproval {
		return nil // enqueued in error ahead of approval; no-op
	}

	claimed, err := e.Pushes.CompareAndSwapStatus(ctx, pushUID, p.Status, version.PushProcessing)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: claim: %v", pushUID, err)
	}
	if !claimed {
		return nil // raced with a cancel between reload and claim
	}

	v, ok, err := e.Versions.Get(ctx, p.VersionUID)
	if err != nil || !ok {
		return e.failPush(ctx, p, version.Version{}, nil, pusherr.Wrapf(pusherr.ErrNotFound, "push: run %s: placeholder version %s missing", pushUID, p.VersionUID))
	}
	if err := e.Versions.MarkProcessing(ctx, v.UID); err != nil {
		return e.failPush(ctx, p, v, nil, pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: mark version processing: %v", pushUID, err))
	}

	project, err := e.Projects.Get(ctx, p.Project)
	if err != nil {
		return e.failPush(ctx, p, v, nil, pusherr.Wrapf(pusherr.ErrNotFound, "push: run %s: project %s: %v", pushUID, p.Project, err))
	}

	filtered, ignoredCount := filterFileList(p.FileList, ignore.Compile(project.IgnorePatterns))
	e.progress(ctx, pushUID, 15, fmt.Sprintf("ignored %d files", ignoredCount))

	root := e.MasterRoot(p.Project)
	entries, byPath := toMasterTreeEntries(filtered)
	fetch := func(ctx context.Context, me mastertree.Entry) (io.ReadCloser, error) {
		return e.Content.Open(ctx, byPath[me.RelativePath])
	}
	cancelCheck := e.cancelCheckFor(pushUID)

	sum, err := mastertree.Reconcile(ctx, root, entries, fetch, cancelCheck)
	if err != nil {
		if pusherr.Is(err, pusherr.ErrCancelled) {
			return e.cancelPush(ctx, p, v, nil)
		}
		return e.failPush(ctx, p, v, nil, err)
	}
	e.progress(ctx, pushUID, 55, fmt.Sprintf("master updated: %d copied, %d unchanged, %d removed", sum.Copied, sum.Unchanged, sum.Removed))

	if cancelled, err := e.checkCancelled(ctx, pushUID); err != nil {
		return e.failPush(ctx, p, v, nil, err)
	} else if cancelled {
		return e.cancelPush(ctx, p, v, nil)
	}

	previous, hasPrevious, err := e.Versions.LatestCompleted(ctx, p.Project, v.UID)
	if err != nil {
		return e.failPush(ctx, p, v, nil, pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: latest completed: %v", pushUID, err))
	}

	completedCount, err := e.Versions.CountCompleted(ctx, p.Project)
	if err != nil {
		return e.failPush(ctx, p, v, nil, pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: count completed: %v", pushUID, err))
	}
	newVersionNumber := completedCount + 1
	e.progress(ctx, pushUID, 65, fmt.Sprintf("creating v%d", newVersionNumber))

	manifestEntries, acquired, err := e.buildManifestEntries(ctx, root, filtered, v.UID, p.Project)
	if err != nil {
		return e.failPush(ctx, p, v, acquired, err)
	}
	manifestHash := manifest.Hash(manifestEntries)

	if cancelled, err := e.checkCancelled(ctx, pushUID); err != nil {
		return e.failPush(ctx, p, v, acquired, err)
	} else if cancelled {
		return e.cancelPush(ctx, p, v, acquired)
	}

	if existing, found, err := e.Versions.FindCompletedByHash(ctx, p.Project, manifestHash); err != nil {
		return e.failPush(ctx, p, v, acquired, pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: dedupe lookup: %v", pushUID, err))
	} else if found {
		for _, blobID := range acquired {
			if _, err := e.Blobs.Release(ctx, blobID, v.UID); err != nil {
				e.Log.Printf("push: run %s: release blob %d after dedupe: %v", pushUID, blobID, err)
			}
		}
		if err := e.Versions.Delete(ctx, v.UID); err != nil {
			e.Log.Printf("push: run %s: delete placeholder %s after dedupe: %v", pushUID, v.UID, err)
		}
		if err := e.Pushes.SetVersionUID(ctx, pushUID, existing.UID); err != nil {
			return pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: repoint to existing version: %v", pushUID, err)
		}
		return e.Pushes.Finish(ctx, pushUID, version.PushDone, fmt.Sprintf("mapped to existing v%d", existing.VersionNumber), "")
	}

	var previousEntries []manifest.Entry
	if hasPrevious {
		previousEntries, err = e.loadManifestEntries(ctx, previous)
		if err != nil {
			e.Log.Printf("push: run %s: load previous manifest %s: %v (treating as no previous)", pushUID, previous.ManifestRef, err)
			previousEntries = nil
		}
	}
	diff := diffengine.Diff(manifestEntries, previousEntries, e.Config.MaxChangeDetailEntries)

	if cancelled, err := e.checkCancelled(ctx, pushUID); err != nil {
		return e.failPush(ctx, p, v, acquired, err)
	} else if cancelled {
		return e.cancelPush(ctx, p, v, acquired)
	}

	params := version.CompleteParams{
		Hash:            manifestHash,
		PreviousVersion: "",
		FilesAdded:      len(diff.Added),
		FilesModified:   len(diff.Modified),
		FilesDeleted:    len(diff.Deleted),
		SizeChange:      diff.SizeChange,
		ChangeDetails:   version.FromDiffResult(diff.Details),
	}
	if hasPrevious {
		params.PreviousVersion = previous.UID
	}

	isSnapshot := newVersionNumber%e.Config.SnapshotInterval == 0
	if isSnapshot {
		e.progress(ctx, pushUID, 75, fmt.Sprintf("building snapshot for v%d", newVersionNumber))
		key := snapshotKey(p.Project, v.UID)
		size, fileCount, err := e.writeSnapshotZip(ctx, root, key)
		if err != nil {
			return e.failPush(ctx, p, v, acquired, err)
		}
		params.IsSnapshot = true
		params.SnapshotRef = key
		params.FileSize = size
		params.FileCount = fileCount
		// The archive carries every file itself, so a snapshot version
		// holds no blob references; drop the ones taken while building
		// manifest entries.
		for _, blobID := range acquired {
			if _, err := e.Blobs.Release(ctx, blobID, v.UID); err != nil {
				e.Log.Printf("push: run %s: release blob %d for snapshot: %v", pushUID, blobID, err)
			}
		}
		acquired = nil
		e.progress(ctx, pushUID, 90, fmt.Sprintf("snapshot v%d created", newVersionNumber))
	} else {
		e.progress(ctx, pushUID, 80, "saving manifest")
		key := manifestKey(p.Project, v.UID)
		if err := e.writeManifest(ctx, key, manifestEntries); err != nil {
			return e.failPush(ctx, p, v, acquired, err)
		}
		params.ManifestRef = key
		params.FileCount = len(manifestEntries)
		params.FileSize = totalSize(manifestEntries)
	}

	if cancelled, err := e.checkCancelled(ctx, pushUID); err != nil {
		return e.failPush(ctx, p, v, acquired, err)
	} else if cancelled {
		return e.cancelPush(ctx, p, v, acquired)
	}

	completed, err := e.Versions.Complete(ctx, v.UID, params)
	if err != nil {
		return e.failPush(ctx, p, v, acquired, pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: complete version: %v", pushUID, err))
	}

	msg := fmt.Sprintf("v%d created (+%d ~%d -%d)", completed.VersionNumber, params.FilesAdded, params.FilesModified, params.FilesDeleted)
	e.progress(ctx, pushUID, 100, msg)
	return e.Pushes.Finish(ctx, pushUID, version.PushDone, msg, "")
}

func (e *Engine) progress(ctx context.Context, pushUID string, pct int, message string) {
	if err := e.Pushes.UpdateProgress(ctx, pushUID, pct, message); err != nil {
		e.Log.Printf("push: run %s: update progress: %v", pushUID, err)
	}
}

func (e *Engine) cancelCheckFor(pushUID string) mastertree.CancelCheckFunc {
	return func() error {
		fresh, ok, err := e.Pushes.GetPush(context.Background(), pushUID)
		if err != nil {
			return err
		}
		if ok && fresh.Status == version.PushCancelled {
			return pusherr.Wrapf(pusherr.ErrCancelled, "push %s cancelled", pushUID)
		}
		return nil
	}
}

// checkCancelled reloads the push and reports whether it has been
// cancelled out from under the worker. Called between major steps of
// runPushLocked so a cancel recorded mid-run is honored promptly
// instead of only being caught at mastertree.Reconcile's checkpoints.
func (e *Engine) checkCancelled(ctx context.Context, pushUID string) (bool, error) {
	fresh, ok, err := e.Pushes.GetPush(ctx, pushUID)
	if err != nil {
		return false, pusherr.Wrapf(pusherr.ErrInternal, "push: run %s: cancellation check: %v", pushUID, err)
	}
	return ok && fresh.Status == version.PushCancelled, nil
}

// failPush marks both the push and its placeholder version failed,
// releasing any blob acquisitions this run made.
func (e *Engine) failPush(ctx context.Context, p version.Push, v version.Version, acquired []int64, cause error) error {
	for _, blobID := range acquired {
		if _, err := e.Blobs.Release(ctx, blobID, v.UID); err != nil {
			e.Log.Printf("push: run %s: release blob %d during failure cleanup: %v", p.UID, blobID, err)
		}
	}
	if v.UID != "" {
		if err := e.Versions.Fail(ctx, v.UID, cause.Error()); err != nil {
			e.Log.Printf("push: run %s: mark version %s failed: %v", p.UID, v.UID, err)
		}
	}
	if err := e.Pushes.Finish(ctx, p.UID, version.PushFailed, "push failed", cause.Error()); err != nil {
		e.Log.Printf("push: run %s: finish as failed: %v", p.UID, err)
	}
	e.Log.Printf("push: run %s: failed: %v", p.UID, cause)
	return cause
}

// cancelPush runs the compensation routine for a push cancelled mid-run:
// release any acquired blobs, delete the placeholder version, and
// finish the push as cancelled.
func (e *Engine) cancelPush(ctx context.Context, p version.Push, v version.Version, acquired []int64) error {
	for _, blobID := range acquired {
		if _, err := e.Blobs.Release(ctx, blobID, v.UID); err != nil {
			e.Log.Printf("push: run %s: release blob %d during cancel cleanup: %v", p.UID, blobID, err)
		}
	}
	if err := e.Versions.Delete(ctx, v.UID); err != nil {
		e.Log.Printf("push: run %s: delete placeholder %s during cancel cleanup: %v", p.UID, v.UID, err)
	}
	// Engine.Cancel may have already finished this push as cancelled
	// concurrently, in which case Finish's terminal-state guard rejects
	// this call; the push already ended up in the right state, so that
	// isn't a failure worth surfacing.
	if err := e.Pushes.Finish(ctx, p.UID, version.PushCancelled, "cancelled", ""); err != nil && !pusherr.Is(err, pusherr.ErrInvalidState) {
		return err
	}
	return nil
}

// filterFileList discards entries with no relative path and anything
// matched by matcher, returning the survivors and how many were
// dropped by the ignore patterns.
func filterFileList(fileList []version.FileListEntry, matcher *ignore.Matcher) ([]version.FileListEntry, int) {
	filtered := make([]version.FileListEntry, 0, len(fileList))
	ignoredCount := 0
	for _, f := range fileList {
		if f.RelativePath == "" {
			continue
		}
		if matcher.Ignored(f.RelativePath) {
			ignoredCount++
			continue
		}
		filtered = append(filtered, f)
	}
	return filtered, ignoredCount
}

func toMasterTreeEntries(fileList []version.FileListEntry) ([]mastertree.Entry, map[string]version.FileListEntry) {
	entries := make([]mastertree.Entry, len(fileList))
	byPath := make(map[string]version.FileListEntry, len(fileList))
	for i, f := range fileList {
		entries[i] = mastertree.Entry{RelativePath: f.RelativePath, Hash: f.Hash, Size: f.Size}
		byPath[f.RelativePath] = f
	}
	return entries, byPath
}

// buildManifestEntries walks the reconciled tree for each surviving
// file-list entry, hashing it once, storing anything over the CAS
// threshold and acquiring it immediately under versionUID so a
// concurrent Sweep can't reclaim a blob before the version that needs
// it completes. If the version turns out to be a duplicate, the
// caller releases these same acquisitions.
func (e *Engine) buildManifestEntries(ctx context.Context, root string, fileList []version.FileListEntry, versionUID, project string) ([]manifest.Entry, []int64, error) {
	entries := make([]manifest.Entry, 0, len(fileList))
	var acquired []int64

	for _, f := range fileList {
		path := filepath.Join(root, filepath.FromSlash(f.RelativePath))
		if _, err := os.Stat(path); err != nil {
			continue // reconciliation should have produced this file; skip stragglers defensively
		}

		rf, err := os.Open(path)
		if err != nil {
			return entries, acquired, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: manifest: open %s: %v", f.RelativePath, err)
		}
		ref, size, err := blob.FromReader(rf)
		rf.Close()
		if err != nil {
			return entries, acquired, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: manifest: hash %s: %v", f.RelativePath, err)
		}
		if f.Hash != "" && ref.String() != f.Hash {
			return entries, acquired, pusherr.Wrapf(pusherr.ErrHashMismatch, "push: manifest: %s: declared hash %s, content hashes to %s", f.RelativePath, f.Hash, ref.String())
		}

		entry := manifest.Entry{Path: f.RelativePath, Hash: ref.String(), Size: size}
		if size > e.Config.CASThresholdBytes {
			entry.Storage = manifest.StorageCAS
			cf, err := os.Open(path)
			if err != nil {
				return entries, acquired, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: manifest: reopen %s: %v", f.RelativePath, err)
			}
			row, _, err := e.Blobs.Store(ctx, cf, ref, size)
			cf.Close()
			if err != nil {
				return entries, acquired, err
			}
			if _, err := e.Blobs.Acquire(ctx, row.ID, project, versionUID); err != nil {
				return entries, acquired, err
			}
			acquired = append(acquired, row.ID)
			entry.BlobID = row.ID
		} else {
			content, err := os.ReadFile(path)
			if err != nil {
				return entries, acquired, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: manifest: read %s: %v", f.RelativePath, err)
			}
			entry.Storage = manifest.StorageInline
			entry.Content = content
		}
		entries = append(entries, entry)
	}
	return entries, acquired, nil
}

func totalSize(entries []manifest.Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}

func manifestKey(projectID, versionUID string) string {
	return fmt.Sprintf("projects/%s/versions/%s/manifest.json", projectID, versionUID)
}

func snapshotKey(projectID, versionUID string) string {
	return fmt.Sprintf("projects/%s/versions/%s/snapshot.zip", projectID, versionUID)
}

func (e *Engine) writeManifest(ctx context.Context, key string, entries []manifest.Entry) error {
	data, err := manifest.Encode(manifest.Manifest{
		CASThresholdMB: float64(e.Config.CASThresholdBytes) / (1 << 20),
		CreatedAt:      e.Clock.Now(),
		Files:          entries,
	})
	if err != nil {
		return err
	}
	if _, err := e.Files.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: write manifest %s: %v", key, err)
	}
	return nil
}

// writeSnapshotZip archives root's current contents and stores the
// result under key, returning the stored size and file count.
func (e *Engine) writeSnapshotZip(ctx context.Context, root, key string) (size int64, fileCount int, err error) {
	tmp, err := os.CreateTemp("", "pushstore-snapshot-*.zip")
	if err != nil {
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: snapshot: create temp: %v", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		fileCount++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		tmp.Close()
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: snapshot: walk %s: %v", root, walkErr)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: snapshot: close zip writer: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: snapshot: close temp: %v", err)
	}

	rf, err := os.Open(tmpPath)
	if err != nil {
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: snapshot: reopen temp: %v", err)
	}
	defer rf.Close()
	written, err := e.Files.Put(ctx, key, rf)
	if err != nil {
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "push: snapshot: put %s: %v", key, err)
	}
	return written, fileCount, nil
}

// loadManifestEntries decodes a completed version's manifest. Snapshot
// versions and versions whose manifest is missing or corrupt resolve
// to a nil slice rather than an error, matching the diff step's
// "treat missing manifest as no-previous" rule.
func (e *Engine) loadManifestEntries(ctx context.Context, v version.Version) ([]manifest.Entry, error) {
	if v.IsSnapshot || v.ManifestRef == "" {
		return nil, nil
	}
	rc, err := e.Files.Open(ctx, v.ManifestRef)
	if err != nil {
		if pusherr.Is(err, filestore.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, nil
	}
	return m.Files, nil
}
