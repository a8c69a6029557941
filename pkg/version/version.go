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

// Package version holds the Version and Push record types committed
// pushes are built from, plus the VersionRepository persistence
// contract. Grounded on perkeep's pkg/schema claim/permanode model for
// the shape of an immutable, append-only record with a stable uid,
// generalized to this system's push/version lifecycle rather than
// perkeep's attribute claims.
package version

import (
	"time"

	"pushstore.dev/pkg/diffengine"
)

// Status is a Version's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// PushStatus is a Push's lifecycle state.
type PushStatus string

const (
	PushPending          PushStatus = "pending"
	PushAwaitingApproval PushStatus = "awaiting_approval"
	PushApproved         PushStatus = "approved"
	PushProcessing       PushStatus = "processing"
	PushDone             PushStatus = "done"
	PushFailed           PushStatus = "failed"
	PushRejected         PushStatus = "rejected"
	PushCancelled        PushStatus = "cancelled"
)

// IsTerminal reports whether s admits no further transitions.
func (s PushStatus) IsTerminal() bool {
	switch s {
	case PushDone, PushFailed, PushRejected, PushCancelled:
		return true
	default:
		return false
	}
}

// ChangeDetail is one bounded change-set entry recorded on a
// completed Version, mirroring diffengine.Change without importing
// diffengine's ChangeKind discriminator into the persisted shape.
type ChangeDetail struct {
	Path string
	Size int64
	Hash string
}

// Version is a committed (or in-flight) snapshot of a project.
type Version struct {
	UID             string
	Project         string
	CreatedBy       string
	CommitMessage   string
	Status          Status
	VersionNumber   int // assigned only at completion
	IsSnapshot      bool
	SnapshotRef     string // FileStore key; present iff IsSnapshot
	ManifestRef     string // FileStore key; present iff !IsSnapshot
	Hash            string // manifest_hash
	FileSize        int64
	FileCount       int
	PreviousVersion string // UID of prior completed version, if any
	CreatedAt       time.Time
	CompletedAt     time.Time

	FilesAdded    int
	FilesModified int
	FilesDeleted  int
	SizeChange    int64
	ChangeDetails ChangeDetailSet
}

// ChangeDetailSet is the bounded added/modified/deleted detail
// recorded on a completed Version.
type ChangeDetailSet struct {
	Added     []ChangeDetail
	Modified  []ChangeDetail
	Deleted   []ChangeDetail
	Truncated bool
}

// FromDiffResult converts a diffengine.Result's Details into the
// persisted ChangeDetailSet shape.
func FromDiffResult(d diffengine.Details) ChangeDetailSet {
	conv := func(cs []diffengine.Change) []ChangeDetail {
		out := make([]ChangeDetail, len(cs))
		for i, c := range cs {
			size := c.NewSize
			if c.Kind == diffengine.Deleted {
				size = c.OldSize
			}
			out[i] = ChangeDetail{Path: c.Path, Size: size}
		}
		return out
	}
	return ChangeDetailSet{
		Added:     conv(d.Added),
		Modified:  conv(d.Modified),
		Deleted:   conv(d.Deleted),
		Truncated: d.Truncated,
	}
}

// Push is an in-flight ingestion request.
type Push struct {
	UID           string
	Project       string
	CreatedBy     string
	CommitMessage string
	FileList      []FileListEntry
	VersionUID    string // back-reference to the Version it produces
	Status        PushStatus
	Progress      int
	Message       string
	ErrorDetails  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FileListEntry is one record from a push's raw input file list,
// before ignore filtering or reconciliation.
type FileListEntry struct {
	RelativePath  string
	Hash          string
	Size          int64
	ContentHandle string
}
