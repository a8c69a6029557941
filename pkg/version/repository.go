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

import "context"

// CompleteParams carries everything VersionRepository.Complete needs
// to atomically transition a pending/processing Version to completed.
type CompleteParams struct {
	ManifestRef     string // empty iff IsSnapshot
	SnapshotRef     string // empty iff !IsSnapshot
	IsSnapshot      bool
	FileCount       int
	FileSize        int64
	Hash            string
	PreviousVersion string
	FilesAdded      int
	FilesModified   int
	FilesDeleted    int
	SizeChange      int64
	ChangeDetails   ChangeDetailSet
}

// VersionRepository persists and looks up Versions. Grounded on
// perkeep's pkg/sorted-backed index query patterns, generalized to a
// small typed interface instead of a generic key/value scan because
// the dedupe lookup and the per-project numbering invariant both need
// query shapes a flat key/value store can't express atomically.
type VersionRepository interface {
	// CreatePending inserts a new Version with status=pending and
	// returns it with a freshly assigned UID.
	CreatePending(ctx context.Context, project, createdBy, commitMessage string) (Version, error)

	// Get loads a Version by uid.
	Get(ctx context.Context, uid string) (Version, bool, error)

	// MarkProcessing transitions a pending Version to processing.
	MarkProcessing(ctx context.Context, uid string) error

	// FindCompletedByHash is the dedupe lookup: the most recent
	// completed Version in project with the given manifest hash, if
	// any.
	FindCompletedByHash(ctx context.Context, project, manifestHash string) (Version, bool, error)

	// LatestCompleted returns the most recently completed Version in
	// project, excluding excludeUID (typically the in-flight
	// placeholder), or ok=false if the project has none yet.
	LatestCompleted(ctx context.Context, project, excludeUID string) (Version, bool, error)

	// CountCompleted returns how many completed Versions project has.
	CountCompleted(ctx context.Context, project string) (int, error)

	// Complete atomically transitions uid from processing to
	// completed, assigning VersionNumber = 1 + CountCompleted(project)
	// within the same operation so no two concurrent completions in
	// the same project can collide. Callers are expected to hold the
	// project's push mutex around this call regardless; Complete
	// enforces the invariant as a backstop, per the concurrency model.
	Complete(ctx context.Context, uid string, p CompleteParams) (Version, error)

	// Fail transitions uid to failed. Neither backend stores reason;
	// the owning Push's ErrorDetails carries the failure message.
	Fail(ctx context.Context, uid, reason string) error

	// Delete removes a Version row, placeholder or completed (a
	// completed version's dedupe entry goes with it); callers release
	// any blob acquisitions separately.
	Delete(ctx context.Context, uid string) error

	// ListCompleted returns completed Versions in project ordered by
	// CreatedAt descending.
	ListCompleted(ctx context.Context, project string) ([]Version, error)
}

// PushRepository persists and looks up Pushes.
type PushRepository interface {
	// Create inserts a new Push referencing versionUID, with the given
	// initial status (pending or awaiting_approval).
	Create(ctx context.Context, project, createdBy, commitMessage string, fileList []FileListEntry, versionUID string, initial PushStatus) (Push, error)

	GetPush(ctx context.Context, uid string) (Push, bool, error)

	// CompareAndSwapStatus atomically moves a Push from from to to,
	// failing with ok=false if the current status isn't from. Used by
	// Approve/Reject/Cancel to reject transitions from terminal or
	// unexpected states without a separate read-then-write race.
	CompareAndSwapStatus(ctx context.Context, uid string, from, to PushStatus) (ok bool, err error)

	// SetVersionUID repoints a Push's VersionUID (used by duplicate
	// detection, which resolves the push to the pre-existing version).
	SetVersionUID(ctx context.Context, uid, versionUID string) error

	// UpdateProgress records progress/message during a running push.
	UpdateProgress(ctx context.Context, uid string, progress int, message string) error

	// Finish sets a terminal status along with message/errorDetails.
	Finish(ctx context.Context, uid string, status PushStatus, message, errorDetails string) error
}
