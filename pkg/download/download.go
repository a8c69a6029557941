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

// Package download builds request-scoped, expiring ZIP artifacts for
// a version: coalescing repeat requests for the same version and
// actor, streaming a snapshot straight through or restoring a
// manifest version into a temp directory and zipping it, and sweeping
// expired artifacts on a schedule. Grounded on the original Celery
// task create_download_zip and the periodic cleanup_expired_downloads
// job, re-expressed as a Engine shaped like pkg/push.Engine: a
// TaskQueue-driven worker plus directly-callable request/status/sweep
// methods.
package download

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"pushstore.dev/pkg/access"
	"pushstore.dev/pkg/clock"
	"pushstore.dev/pkg/config"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/pusherr"
	"pushstore.dev/pkg/restore"
	"pushstore.dev/pkg/taskqueue"
	"pushstore.dev/pkg/version"
)

// TaskBuildDownload is the task name Engine enqueues onto the
// TaskQueue; a composition root registers Engine.Build as its handler.
const TaskBuildDownload = "build_download"

// Status is a DownloadRequest's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Download is a materialization job for a version's downloadable ZIP.
type Download struct {
	UID         string
	VersionUID  string
	RequestedBy string
	Status      Status
	Progress    int
	Message     string
	ArtifactRef string // FileStore key; set once completed
	FileSize    int64
	CreatedAt   time.Time
	CompletedAt time.Time
	ExpiresAt   time.Time
}

// Active reports whether d is still pending or processing.
func (d Download) Active() bool {
	return d.Status == StatusPending || d.Status == StatusProcessing
}

// Repository persists and looks up Downloads.
type Repository interface {
	Create(ctx context.Context, versionUID, requestedBy string) (Download, error)
	Get(ctx context.Context, uid string) (Download, bool, error)

	// FindReusable returns a Download for (versionUID, requestedBy)
	// that is either still active or completed with an expiry after
	// now, so RequestDownload can coalesce instead of rebuilding.
	FindReusable(ctx context.Context, versionUID, requestedBy string, now time.Time) (Download, bool, error)

	MarkProcessing(ctx context.Context, uid string) error
	UpdateProgress(ctx context.Context, uid string, progress int, message string) error
	Complete(ctx context.Context, uid, artifactRef string, fileSize int64, completedAt, expiresAt time.Time) (Download, error)
	Fail(ctx context.Context, uid, message string) error

	// ListExpired returns completed Downloads whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time) ([]Download, error)
	MarkExpired(ctx context.Context, uid string) error
	Delete(ctx context.Context, uid string) error
}

// ProjectStore resolves a project id for the access checks
// RequestDownload/GetDownload/DeleteDownload make. Mirrors
// pkg/push.ProjectStore's contract.
type ProjectStore interface {
	Get(ctx context.Context, projectID string) (access.Project, error)
}

// Engine implements DownloadEngine (spec §4.10). All fields are
// dependency-injected; Engine holds no package-level state.
type Engine struct {
	Repo     Repository
	Versions version.VersionRepository
	Projects ProjectStore
	Access   access.AccessPolicy
	Queue    taskqueue.TaskQueue
	Files    filestore.FileStore
	Restorer *restore.Restorer
	Clock    clock.Clock
	Config   config.Config
	Log      *log.Logger
}

// New builds an Engine from its collaborators. If logger is nil,
// log.Default() is used; if clk is nil, clock.System{} is used.
func New(
	repo Repository,
	versions version.VersionRepository,
	projects ProjectStore,
	accessPolicy access.AccessPolicy,
	queue taskqueue.TaskQueue,
	files filestore.FileStore,
	restorer *restore.Restorer,
	clk clock.Clock,
	cfg config.Config,
	logger *log.Logger,
) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		Repo:     repo,
		Versions: versions,
		Projects: projects,
		Access:   accessPolicy,
		Queue:    queue,
		Files:    files,
		Restorer: restorer,
		Clock:    clk,
		Config:   cfg,
		Log:      logger,
	}
}

func (e *Engine) expirationWindow() time.Duration {
	return time.Duration(e.Config.DownloadExpirationHours) * time.Hour
}

func (e *Engine) viewableVersion(ctx context.Context, versionUID string, actor access.User) (version.Version, error) {
	v, ok, err := e.Versions.Get(ctx, versionUID)
	if err != nil {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrInternal, "download: version %s: %v", versionUID, err)
	}
	if !ok {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrNotFound, "download: version %s not found", versionUID)
	}
	project, err := e.Projects.Get(ctx, v.Project)
	if err != nil {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrNotFound, "download: project %s: %v", v.Project, err)
	}
	canView, err := e.Access.CanView(ctx, project, actor)
	if err != nil {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrInternal, "download: CanView: %v", err)
	}
	if !canView {
		return version.Version{}, pusherr.Wrapf(pusherr.ErrPermissionDenied, "download: %s cannot view version %s", actor.UID, versionUID)
	}
	return v, nil
}

// RequestDownload implements the RequestDownload operation: it
// coalesces onto an existing active-or-unexpired request for the same
// (version, actor) pair, or creates a new one and enqueues its build.
func (e *Engine) RequestDownload(ctx context.Context, versionUID string, actor access.User) (downloadUID string, status Status, err error) {
	if _, err := e.viewableVersion(ctx, versionUID, actor); err != nil {
		return "", "", err
	}

	now := e.Clock.Now()
	if existing, found, err := e.Repo.FindReusable(ctx, versionUID, actor.UID, now); err != nil {
		return "", "", pusherr.Wrapf(pusherr.ErrInternal, "download: find reusable: %v", err)
	} else if found {
		return existing.UID, existing.Status, nil
	}

	d, err := e.Repo.Create(ctx, versionUID, actor.UID)
	if err != nil {
		return "", "", pusherr.Wrapf(pusherr.ErrInternal, "download: create: %v", err)
	}
	if err := e.Queue.Enqueue(ctx, TaskBuildDownload, d.UID); err != nil {
		return "", "", pusherr.Wrapf(pusherr.ErrInternal, "download: enqueue: %v", err)
	}
	return d.UID, d.Status, nil
}

// GetDownload returns a download's current status record.
func (e *Engine) GetDownload(ctx context.Context, downloadUID string, actor access.User) (Download, error) {
	d, ok, err := e.Repo.Get(ctx, downloadUID)
	if err != nil {
		return Download{}, pusherr.Wrapf(pusherr.ErrInternal, "download: get %s: %v", downloadUID, err)
	}
	if !ok {
		return Download{}, pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", downloadUID)
	}
	if _, err := e.viewableVersion(ctx, d.VersionUID, actor); err != nil {
		return Download{}, err
	}
	return d, nil
}

// FetchArtifact opens a completed download's ZIP. The caller must
// close the returned reader.
func (e *Engine) FetchArtifact(ctx context.Context, downloadUID string, actor access.User) (io.ReadCloser, error) {
	d, err := e.GetDownload(ctx, downloadUID, actor)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusCompleted {
		return nil, pusherr.Wrapf(pusherr.ErrInvalidState, "download: %s is %s, not completed", downloadUID, d.Status)
	}
	rc, err := e.Files.Open(ctx, d.ArtifactRef)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: open artifact %s: %v", d.ArtifactRef, err)
	}
	return rc, nil
}

// DeleteDownload removes a download's record and artifact. Only the
// requester or the project owner may delete it.
func (e *Engine) DeleteDownload(ctx context.Context, downloadUID string, actor access.User) error {
	d, ok, err := e.Repo.Get(ctx, downloadUID)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "download: get %s: %v", downloadUID, err)
	}
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", downloadUID)
	}
	v, ok, err := e.Versions.Get(ctx, d.VersionUID)
	allowed := actor.UID == d.RequestedBy
	if !allowed && err == nil && ok {
		project, perr := e.Projects.Get(ctx, v.Project)
		if perr == nil {
			if isOwner, oerr := e.Access.IsOwner(ctx, project, actor); oerr == nil {
				allowed = isOwner
			}
		}
	}
	if !allowed {
		return pusherr.Wrapf(pusherr.ErrPermissionDenied, "download: %s may not delete %s", actor.UID, downloadUID)
	}
	if d.ArtifactRef != "" {
		if err := e.Files.Delete(ctx, d.ArtifactRef); err != nil {
			e.Log.Printf("download: delete artifact %s: %v", d.ArtifactRef, err)
		}
	}
	return e.Repo.Delete(ctx, downloadUID)
}

// Build is the worker entry point a TaskQueue consumer calls with the
// enqueued download uid.
//
//	queue.Handle(download.TaskBuildDownload, func(ctx context.Context, payload any) error {
//		return engine.Build(ctx, payload.(string))
//	})
func (e *Engine) Build(ctx context.Context, downloadUID string) error {
	d, ok, err := e.Repo.Get(ctx, downloadUID)
	if err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "download: build %s: %v", downloadUID, err)
	}
	if !ok {
		return nil // task refers to a download that no longer exists; nothing to do
	}
	if !d.Active() {
		return nil
	}

	v, ok, err := e.Versions.Get(ctx, d.VersionUID)
	if err != nil || !ok {
		return e.fail(ctx, downloadUID, fmt.Sprintf("version %s missing", d.VersionUID))
	}

	if err := e.Repo.MarkProcessing(ctx, downloadUID); err != nil {
		return e.fail(ctx, downloadUID, err.Error())
	}
	e.progress(ctx, downloadUID, 5, "starting")

	key := artifactKey(downloadUID)
	var size int64
	if v.IsSnapshot {
		size, err = e.copySnapshot(ctx, v, key)
	} else {
		size, err = e.buildFromManifest(ctx, v, key, downloadUID)
	}
	if err != nil {
		return e.fail(ctx, downloadUID, err.Error())
	}

	now := e.Clock.Now()
	e.progress(ctx, downloadUID, 100, "done")
	if _, err := e.Repo.Complete(ctx, downloadUID, key, size, now, now.Add(e.expirationWindow())); err != nil {
		return pusherr.Wrapf(pusherr.ErrInternal, "download: build %s: complete: %v", downloadUID, err)
	}
	return nil
}

func (e *Engine) progress(ctx context.Context, downloadUID string, pct int, message string) {
	if err := e.Repo.UpdateProgress(ctx, downloadUID, pct, message); err != nil {
		e.Log.Printf("download: build %s: update progress: %v", downloadUID, err)
	}
}

func (e *Engine) fail(ctx context.Context, downloadUID, message string) error {
	if err := e.Repo.Fail(ctx, downloadUID, message); err != nil {
		e.Log.Printf("download: build %s: mark failed: %v", downloadUID, err)
	}
	e.Log.Printf("download: build %s: failed: %s", downloadUID, message)
	return pusherr.Wrapf(pusherr.ErrInternal, "download: build %s: %s", downloadUID, message)
}

// copySnapshot streams a snapshot version's already-zipped artifact
// straight into the download's own key, with no restore step.
func (e *Engine) copySnapshot(ctx context.Context, v version.Version, key string) (int64, error) {
	rc, err := e.Files.Open(ctx, v.SnapshotRef)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: open snapshot %s: %v", v.SnapshotRef, err)
	}
	defer rc.Close()
	size, err := e.Files.Put(ctx, key, rc)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: put %s: %v", key, err)
	}
	return size, nil
}

// buildFromManifest restores a manifest version into a temp directory
// and zips the result, reporting progress at the same checkpoints the
// original create_download_zip task used.
func (e *Engine) buildFromManifest(ctx context.Context, v version.Version, key, downloadUID string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "pushstore-download-*")
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: mkdir temp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	e.progress(ctx, downloadUID, 20, "restoring files")
	stats, err := e.Restorer.Restore(ctx, v, tmpDir)
	if err != nil {
		return 0, err
	}
	if !stats.Success() {
		e.Log.Printf("download: build %s: %d file(s) failed to restore", downloadUID, len(stats.Errors))
	}
	e.progress(ctx, downloadUID, 60, "zipping")

	tmpZip, err := os.CreateTemp("", "pushstore-download-*.zip")
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: create temp zip: %v", err)
	}
	tmpZipPath := tmpZip.Name()
	defer os.Remove(tmpZipPath)

	if err := zipDir(tmpZip, tmpDir); err != nil {
		tmpZip.Close()
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: zip %s: %v", tmpDir, err)
	}
	if err := tmpZip.Close(); err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: close temp zip: %v", err)
	}
	e.progress(ctx, downloadUID, 90, "saving")

	rf, err := os.Open(tmpZipPath)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: reopen temp zip: %v", err)
	}
	defer rf.Close()
	size, err := e.Files.Put(ctx, key, rf)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "download: put %s: %v", key, err)
	}
	return size, nil
}

func zipDir(w io.Writer, root string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
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
		zf, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(zf, f)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Sweep expires every completed download past its expires_at and
// deletes its artifact, mirroring the periodic
// cleanup_expired_downloads job. It returns how many were swept.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.Clock.Now()
	expired, err := e.Repo.ListExpired(ctx, now)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrInternal, "download: sweep: list expired: %v", err)
	}
	var n int
	for _, d := range expired {
		if d.ArtifactRef != "" {
			if err := e.Files.Delete(ctx, d.ArtifactRef); err != nil {
				e.Log.Printf("download: sweep: delete artifact %s: %v", d.ArtifactRef, err)
			}
		}
		if err := e.Repo.MarkExpired(ctx, d.UID); err != nil {
			e.Log.Printf("download: sweep: mark expired %s: %v", d.UID, err)
			continue
		}
		n++
	}
	return n, nil
}

func artifactKey(downloadUID string) string {
	return fmt.Sprintf("downloads/%s.zip", downloadUID)
}
