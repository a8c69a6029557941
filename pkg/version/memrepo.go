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

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/google/uuid"

	"pushstore.dev/pkg/clock"
	"pushstore.dev/pkg/pusherr"
)

// MemRepository is an in-process VersionRepository and PushRepository,
// used by tests and single-process deployments. Grounded on
// cas.MemIndex's map-plus-mutex shape.
type MemRepository struct {
	mu       sync.Mutex
	clock    clock.Clock
	versions map[string]*Version
	pushes   map[string]*Push
	byHash   map[string]string // "project\x00hash" -> version uid, completed only
}

var (
	_ VersionRepository = (*MemRepository)(nil)
	_ PushRepository    = (*MemRepository)(nil)
)

// NewMemRepository builds an empty repository. If c is nil, clock.System{} is used.
func NewMemRepository(c clock.Clock) *MemRepository {
	if c == nil {
		c = clock.System{}
	}
	return &MemRepository{
		clock:    c,
		versions: make(map[string]*Version),
		pushes:   make(map[string]*Push),
		byHash:   make(map[string]string),
	}
}

// newUID returns a 128-bit random id's first 16 hex characters as its
// external form — enough entropy to make collision practically
// impossible at this system's scale while keeping ids short in logs
// and URLs.
func newUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:16]
}

func hashKey(project, hash string) string { return project + "\x00" + hash }

func (r *MemRepository) CreatePending(ctx context.Context, project, createdBy, commitMessage string) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := &Version{
		UID:           newUID(),
		Project:       project,
		CreatedBy:     createdBy,
		CommitMessage: commitMessage,
		Status:        StatusPending,
		CreatedAt:     r.clock.Now(),
	}
	r.versions[v.UID] = v
	return *v, nil
}

func (r *MemRepository) Get(ctx context.Context, uid string) (Version, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[uid]
	if !ok {
		return Version{}, false, nil
	}
	return *v, true, nil
}

func (r *MemRepository) MarkProcessing(ctx context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "version: %s not found", uid)
	}
	if v.Status != StatusPending {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "version: %s is %s, not pending", uid, v.Status)
	}
	v.Status = StatusProcessing
	return nil
}

func (r *MemRepository) FindCompletedByHash(ctx context.Context, project, manifestHash string) (Version, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.byHash[hashKey(project, manifestHash)]
	if !ok {
		return Version{}, false, nil
	}
	return *r.versions[uid], true, nil
}

func (r *MemRepository) LatestCompleted(ctx context.Context, project, excludeUID string) (Version, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Version
	for _, v := range r.versions {
		if v.Project != project || v.Status != StatusCompleted || v.UID == excludeUID {
			continue
		}
		if latest == nil || v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	if latest == nil {
		return Version{}, false, nil
	}
	return *latest, true, nil
}

func (r *MemRepository) CountCompleted(ctx context.Context, project string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countCompletedLocked(project), nil
}

func (r *MemRepository) countCompletedLocked(project string) int {
	n := 0
	for _, v := range r.versions {
		if v.Project == project && v.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func (r *MemRepository) Complete(ctx context.Context, uid string, p CompleteParams) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[uid]
	if !ok {
		return Version{}, pusherr.Wrapf(pusherr.ErrNotFound, "version: %s not found", uid)
	}
	if v.Status != StatusProcessing {
		return Version{}, pusherr.Wrapf(pusherr.ErrInvalidState, "version: %s is %s, not processing", uid, v.Status)
	}

	key := hashKey(v.Project, p.Hash)
	if _, exists := r.byHash[key]; exists {
		return Version{}, pusherr.Wrapf(pusherr.ErrInvalidState, "version: project %s already has a completed version with hash %s", v.Project, p.Hash)
	}

	v.VersionNumber = 1 + r.countCompletedLocked(v.Project)
	v.Status = StatusCompleted
	v.ManifestRef = p.ManifestRef
	v.SnapshotRef = p.SnapshotRef
	v.IsSnapshot = p.IsSnapshot
	v.FileCount = p.FileCount
	v.FileSize = p.FileSize
	v.Hash = p.Hash
	v.PreviousVersion = p.PreviousVersion
	v.FilesAdded = p.FilesAdded
	v.FilesModified = p.FilesModified
	v.FilesDeleted = p.FilesDeleted
	v.SizeChange = p.SizeChange
	v.ChangeDetails = p.ChangeDetails
	v.CompletedAt = r.clock.Now()

	r.byHash[key] = v.UID
	return *v, nil
}

// Fail transitions uid to failed. reason is not stored on the Version
// itself — error_details belongs to the owning Push — but the
// parameter is kept in the interface so a backend with an audit log
// can record it.
func (r *MemRepository) Fail(ctx context.Context, uid, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "version: %s not found", uid)
	}
	v.Status = StatusFailed
	return nil
}

func (r *MemRepository) Delete(ctx context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[uid]
	if !ok {
		return nil
	}
	if v.Status == StatusCompleted {
		delete(r.byHash, hashKey(v.Project, v.Hash))
	}
	delete(r.versions, uid)
	return nil
}

func (r *MemRepository) ListCompleted(ctx context.Context, project string) ([]Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Version
	for _, v := range r.versions {
		if v.Project == project && v.Status == StatusCompleted {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- PushRepository ---

func (r *MemRepository) Create(ctx context.Context, project, createdBy, commitMessage string, fileList []FileListEntry, versionUID string, initial PushStatus) (Push, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	p := &Push{
		UID:           newUID(),
		Project:       project,
		CreatedBy:     createdBy,
		CommitMessage: commitMessage,
		FileList:      fileList,
		VersionUID:    versionUID,
		Status:        initial,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.pushes[p.UID] = p
	return *p, nil
}

func (r *MemRepository) GetPush(ctx context.Context, uid string) (Push, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pushes[uid]
	if !ok {
		return Push{}, false, nil
	}
	return *p, true, nil
}

func (r *MemRepository) CompareAndSwapStatus(ctx context.Context, uid string, from, to PushStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pushes[uid]
	if !ok {
		return false, pusherr.Wrapf(pusherr.ErrNotFound, "push: %s not found", uid)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *MemRepository) SetVersionUID(ctx context.Context, uid, versionUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pushes[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: %s not found", uid)
	}
	p.VersionUID = versionUID
	return nil
}

func (r *MemRepository) UpdateProgress(ctx context.Context, uid string, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pushes[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: %s not found", uid)
	}
	p.Progress = progress
	p.Message = message
	p.UpdatedAt = r.clock.Now()
	return nil
}

// Finish records a push's terminal outcome. It rejects a transition
// to a different terminal status than the one already recorded, so a
// worker racing a concurrent Cancel can't clobber it back to failed;
// re-finishing with the same status it already holds is a no-op write,
// which lets Reject/Cancel call Finish right after the CompareAndSwapStatus
// that put the push in that state.
func (r *MemRepository) Finish(ctx context.Context, uid string, status PushStatus, message, errorDetails string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pushes[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: %s not found", uid)
	}
	if p.Status.IsTerminal() && p.Status != status {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "push: %s is already %s", uid, p.Status)
	}
	p.Status = status
	p.Message = message
	p.ErrorDetails = errorDetails
	p.Progress = 100
	p.UpdatedAt = r.clock.Now()
	return nil
}
