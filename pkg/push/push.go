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

// Package push implements the submit/approve/reject/cancel state
// machine and the runPush worker that turns an accepted push into a
// committed Version. Its control flow is grounded directly on the
// original Django/Celery implementation's process_pending_push_new
// task, re-expressed with an explicit status enum, a per-project
// keyed mutex standing in for Celery's single-worker-per-row locking,
// and a worker function shaped like perkeep's internal/chanworker
// consumer loop.
package push

import (
	"context"
	"io"
	"log"

	"pushstore.dev/pkg/access"
	"pushstore.dev/pkg/cas"
	"pushstore.dev/pkg/clock"
	"pushstore.dev/pkg/config"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/pusherr"
	"pushstore.dev/pkg/taskqueue"
	"pushstore.dev/pkg/version"
)

// TaskRunPush is the task name Engine enqueues onto the TaskQueue; a
// caller's composition root registers Engine.RunPush as its handler.
const TaskRunPush = "run_push"

// ProjectStore resolves a project id to the project shape the engine
// and AccessPolicy need. Project membership and settings CRUD live
// outside this module.
type ProjectStore interface {
	Get(ctx context.Context, projectID string) (access.Project, error)
}

// ContentSource resolves one file-list entry to its raw bytes. The
// transport layer that accepted the push decides what a
// content_handle means (a staged upload path, a streamed handle, a
// previously stored staging key); the engine only ever calls Open.
type ContentSource interface {
	Open(ctx context.Context, entry version.FileListEntry) (io.ReadCloser, error)
}

// MasterRoot resolves the on-disk working directory reconciliation
// target for a project. Typically a function of a configured base
// directory and the project's uid.
type MasterRoot func(projectID string) string

// Engine implements the push state machine (spec §4.7). All fields
// are dependency-injected; Engine holds no package-level state.
type Engine struct {
	Versions   version.VersionRepository
	Pushes     version.PushRepository
	Blobs      *cas.BlobStore
	Projects   ProjectStore
	Access     access.AccessPolicy
	Queue      taskqueue.TaskQueue
	Content    ContentSource
	Files      filestore.FileStore // manifest.json / snapshot.zip storage
	Clock      clock.Clock
	Config     config.Config
	MasterRoot MasterRoot
	Log        *log.Logger

	locks *keyedMutex
}

// New builds an Engine from its collaborators. If logger is nil,
// log.Default() is used; if clk is nil, clock.System{} is used.
func New(
	versions version.VersionRepository,
	pushes version.PushRepository,
	blobs *cas.BlobStore,
	projects ProjectStore,
	accessPolicy access.AccessPolicy,
	queue taskqueue.TaskQueue,
	content ContentSource,
	files filestore.FileStore,
	clk clock.Clock,
	cfg config.Config,
	masterRoot MasterRoot,
	logger *log.Logger,
) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		Versions:   versions,
		Pushes:     pushes,
		Blobs:      blobs,
		Projects:   projects,
		Access:     accessPolicy,
		Queue:      queue,
		Content:    content,
		Files:      files,
		Clock:      clk,
		Config:     cfg,
		MasterRoot: masterRoot,
		Log:        logger,
		locks:      newKeyedMutex(),
	}
}

// Submit validates edit rights, creates the placeholder Version and
// the owning Push, and enqueues runPush unless the project requires
// approval from someone other than actor.
func (e *Engine) Submit(ctx context.Context, projectID string, actor access.User, commitMessage string, fileList []version.FileListEntry) (pushUID, versionUID string, status version.PushStatus, err error) {
	project, err := e.Projects.Get(ctx, projectID)
	if err != nil {
		return "", "", "", pusherr.Wrapf(pusherr.ErrNotFound, "push: submit: project %s: %v", projectID, err)
	}
	canEdit, err := e.Access.CanEdit(ctx, project, actor)
	if err != nil {
		return "", "", "", pusherr.Wrapf(pusherr.ErrInternal, "push: submit: CanEdit: %v", err)
	}
	if !canEdit {
		return "", "", "", pusherr.Wrapf(pusherr.ErrPermissionDenied, "push: submit: %s cannot edit project %s", actor.UID, projectID)
	}

	v, err := e.Versions.CreatePending(ctx, projectID, actor.UID, commitMessage)
	if err != nil {
		return "", "", "", pusherr.Wrapf(pusherr.ErrInternal, "push: submit: create placeholder version: %v", err)
	}

	initial := version.PushPending
	if project.RequiresApproval && actor.UID != project.OwnerID {
		initial = version.PushAwaitingApproval
	}

	p, err := e.Pushes.Create(ctx, projectID, actor.UID, commitMessage, fileList, v.UID, initial)
	if err != nil {
		return "", "", "", pusherr.Wrapf(pusherr.ErrInternal, "push: submit: create push: %v", err)
	}

	if initial == version.PushPending {
		if err := e.Queue.Enqueue(ctx, TaskRunPush, p.UID); err != nil {
			return "", "", "", pusherr.Wrapf(pusherr.ErrInternal, "push: submit: enqueue: %v", err)
		}
	}
	return p.UID, v.UID, initial, nil
}

// GetPush returns a push's current state record.
func (e *Engine) GetPush(ctx context.Context, pushUID string) (version.Push, error) {
	p, ok, err := e.Pushes.GetPush(ctx, pushUID)
	if err != nil {
		return version.Push{}, pusherr.Wrapf(pusherr.ErrInternal, "push: get %s: %v", pushUID, err)
	}
	if !ok {
		return version.Push{}, pusherr.Wrapf(pusherr.ErrNotFound, "push: %s not found", pushUID)
	}
	return p, nil
}

// Approve transitions an awaiting_approval push to approved and
// enqueues its worker run. Only the project owner may approve.
func (e *Engine) Approve(ctx context.Context, pushUID string, approver access.User) error {
	p, err := e.GetPush(ctx, pushUID)
	if err != nil {
		return err
	}
	if err := e.requireOwner(ctx, p.Project, approver, "approve"); err != nil {
		return err
	}
	ok, err := e.Pushes.CompareAndSwapStatus(ctx, pushUID, version.PushAwaitingApproval, version.PushApproved)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: approve %s: %v", pushUID, err)
	}
	if !ok {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "push: %s is not awaiting_approval", pushUID)
	}
	if err := e.Queue.Enqueue(ctx, TaskRunPush, pushUID); err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: approve %s: enqueue: %v", pushUID, err)
	}
	return nil
}

// Reject transitions an awaiting_approval push to rejected, deleting
// its placeholder version. Only the project owner may reject.
func (e *Engine) Reject(ctx context.Context, pushUID string, approver access.User, reason string) error {
	p, err := e.GetPush(ctx, pushUID)
	if err != nil {
		return err
	}
	if err := e.requireOwner(ctx, p.Project, approver, "reject"); err != nil {
		return err
	}
	ok, err := e.Pushes.CompareAndSwapStatus(ctx, pushUID, version.PushAwaitingApproval, version.PushRejected)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: reject %s: %v", pushUID, err)
	}
	if !ok {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "push: %s is not awaiting_approval", pushUID)
	}
	if err := e.Versions.Delete(ctx, p.VersionUID); err != nil {
		e.Log.Printf("push: reject %s: delete placeholder version %s: %v", pushUID, p.VersionUID, err)
	}
	return e.Pushes.Finish(ctx, pushUID, version.PushRejected, "rejected", reason)
}

// Cancel moves a non-terminal push straight to cancelled and deletes
// its placeholder version. If runPush is already running for it, the
// worker observes the status change at its next checkpoint and runs
// its own compensation; Cancel does not wait for that to happen.
func (e *Engine) Cancel(ctx context.Context, pushUID string, actor access.User) error {
	p, err := e.GetPush(ctx, pushUID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "push: %s is already %s", pushUID, p.Status)
	}

	project, err := e.Projects.Get(ctx, p.Project)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: cancel: project %s: %v", p.Project, err)
	}
	allowed := actor.UID == p.CreatedBy
	if !allowed {
		isOwner, err := e.Access.IsOwner(ctx, project, actor)
		if err != nil {
			return pusherr.Wrapf(pusherr.ErrInternal, "push: cancel: IsOwner: %v", err)
		}
		allowed = isOwner
	}
	if !allowed {
		return pusherr.Wrapf(pusherr.ErrPermissionDenied, "push: cancel: %s may not cancel push %s", actor.UID, pushUID)
	}

	ok, err := e.Pushes.CompareAndSwapStatus(ctx, pushUID, p.Status, version.PushCancelled)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: cancel %s: %v", pushUID, err)
	}
	if !ok {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "push: %s changed state concurrently", pushUID)
	}
	if err := e.Versions.Delete(ctx, p.VersionUID); err != nil {
		e.Log.Printf("push: cancel %s: delete placeholder version %s: %v", pushUID, p.VersionUID, err)
	}
	return e.Pushes.Finish(ctx, pushUID, version.PushCancelled, "cancelled", "")
}

func (e *Engine) requireOwner(ctx context.Context, projectID string, actor access.User, op string) error {
	project, err := e.Projects.Get(ctx, projectID)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: %s: project %s: %v", op, projectID, err)
	}
	isOwner, err := e.Access.IsOwner(ctx, project, actor)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: %s: IsOwner: %v", op, err)
	}
	if !isOwner {
		return pusherr.Wrapf(pusherr.ErrPermissionDenied, "push: %s: %s is not the project owner", op, actor.UID)
	}
	return nil
}

// ListVersions returns a project's completed versions. Surfacing a
// caller's own in-flight (pending/processing) versions alongside them
// would require a join this interface doesn't expose, so
// includeProcessing is accepted but currently ignored: only completed
// versions are returned.
func (e *Engine) ListVersions(ctx context.Context, projectID string, actor access.User, includeProcessing bool) ([]version.Version, error) {
	project, err := e.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrNotFound, "push: list versions: project %s: %v", projectID, err)
	}
	canView, err := e.Access.CanView(ctx, project, actor)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrInternal, "push: list versions: CanView: %v", err)
	}
	if !canView {
		return nil, pusherr.Wrapf(pusherr.ErrPermissionDenied, "push: list versions: %s cannot view project %s", actor.UID, projectID)
	}
	return e.Versions.ListCompleted(ctx, projectID)
}

// GetVersion returns a single version's full record.
func (e *Engine) GetVersion(ctx context.Context, versionUID string, actor access.User) (version.Version, error) {
	v, ok, err := e.Versions.Get(ctx, versionUID)
	if err != nil {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrInternal, "push: get version %s: %v", versionUID, err)
	}
	if !ok {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrNotFound, "push: version %s not found", versionUID)
	}
	project, err := e.Projects.Get(ctx, v.Project)
	if err != nil {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrNotFound, "push: get version %s: project %s: %v", versionUID, v.Project, err)
	}
	canView, err := e.Access.CanView(ctx, project, actor)
	if err != nil {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrInternal, "push: get version: CanView: %v", err)
	}
	if !canView {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrPermissionDenied, "push: get version %s: %s cannot view", versionUID, actor.UID)
	}
	return v, nil
}

// DeleteVersion removes a version and its blob references. Blob ref
// counts are decremented so a subsequent Sweep can reclaim anything
// that drops to zero.
func (e *Engine) DeleteVersion(ctx context.Context, versionUID string, actor access.User) error {
	v, ok, err := e.Versions.Get(ctx, versionUID)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: delete version %s: %v", versionUID, err)
	}
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: version %s not found", versionUID)
	}
	project, err := e.Projects.Get(ctx, v.Project)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrNotFound, "push: delete version %s: project %s: %v", versionUID, v.Project, err)
	}
	canEdit, err := e.Access.CanEdit(ctx, project, actor)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "push: delete version: CanEdit: %v", err)
	}
	if !canEdit {
		return pusherr.Wrapf(pusherr.ErrPermissionDenied, "push: delete version %s: %s cannot edit", versionUID, actor.UID)
	}

	if !v.IsSnapshot && v.ManifestRef != "" {
		entries, err := e.loadManifestEntries(ctx, v)
		if err != nil {
			e.Log.Printf("push: delete version %s: load manifest for ref release: %v", versionUID, err)
		}
		for _, entry := range entries {
			if entry.Storage != "cas" {
				continue
			}
			if _, err := e.Blobs.Release(ctx, entry.BlobID, versionUID); err != nil {
				e.Log.Printf("push: delete version %s: release blob %d: %v", versionUID, entry.BlobID, err)
			}
		}
	}
	return e.Versions.Delete(ctx, versionUID)
}

// ListFiles returns per-file metadata for a version by decoding its
// manifest, or synthesizing a single-entry listing is not attempted
// for snapshot versions — callers needing per-file metadata for a
// snapshot should restore it instead (pkg/restore).
func (e *Engine) ListFiles(ctx context.Context, versionUID string, actor access.User) ([]ManifestFile, error) {
	v, err := e.GetVersion(ctx, versionUID, actor)
	if err != nil {
		return nil, err
	}
	if v.IsSnapshot {
		return nil, pusherr.Wrapf(pusherr.ErrInvalidState, "push: version %s is a snapshot; no manifest file listing", versionUID)
	}
	entries, err := e.loadManifestEntries(ctx, v)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "push: list files: version %s: %v", versionUID, err)
	}
	out := make([]ManifestFile, len(entries))
	for i, e := range entries {
		out[i] = ManifestFile{Path: e.Path, Hash: e.Hash, Size: e.Size, Storage: string(e.Storage)}
	}
	return out, nil
}

// ManifestFile is one entry of ListFiles's output.
type ManifestFile struct {
	Path    string
	Hash    string
	Size    int64
	Storage string
}
