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

package download

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushstore.dev/pkg/clock"
	"pushstore.dev/pkg/pusherr"
)

// MemRepository is an in-process Repository, used by tests and
// standalone runs of cmd/pushengined. Grounded on
// pkg/version.MemRepository's map-plus-mutex shape.
type MemRepository struct {
	mu        sync.Mutex
	clock     clock.Clock
	downloads map[string]*Download
}

var _ Repository = (*MemRepository)(nil)

// NewMemRepository builds an empty repository. If c is nil,
// clock.System{} is used.
func NewMemRepository(c clock.Clock) *MemRepository {
	if c == nil {
		c = clock.System{}
	}
	return &MemRepository{clock: c, downloads: make(map[string]*Download)}
}

func newUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:16]
}

func (r *MemRepository) Create(ctx context.Context, versionUID, requestedBy string) (Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &Download{
		UID:         newUID(),
		VersionUID:  versionUID,
		RequestedBy: requestedBy,
		Status:      StatusPending,
		CreatedAt:   r.clock.Now(),
	}
	r.downloads[d.UID] = d
	return *d, nil
}

func (r *MemRepository) Get(ctx context.Context, uid string) (Download, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[uid]
	if !ok {
		return Download{}, false, nil
	}
	return *d, true, nil
}

func (r *MemRepository) FindReusable(ctx context.Context, versionUID, requestedBy string, now time.Time) (Download, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.downloads {
		if d.VersionUID != versionUID || d.RequestedBy != requestedBy {
			continue
		}
		if d.Active() {
			return *d, true, nil
		}
		if d.Status == StatusCompleted && d.ExpiresAt.After(now) {
			return *d, true, nil
		}
	}
	return Download{}, false, nil
}

func (r *MemRepository) MarkProcessing(ctx context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", uid)
	}
	d.Status = StatusProcessing
	return nil
}

func (r *MemRepository) UpdateProgress(ctx context.Context, uid string, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", uid)
	}
	d.Progress = progress
	d.Message = message
	return nil
}

func (r *MemRepository) Complete(ctx context.Context, uid, artifactRef string, fileSize int64, completedAt, expiresAt time.Time) (Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[uid]
	if !ok {
		return Download{}, pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", uid)
	}
	d.Status = StatusCompleted
	d.ArtifactRef = artifactRef
	d.FileSize = fileSize
	d.CompletedAt = completedAt
	d.ExpiresAt = expiresAt
	d.Progress = 100
	return *d, nil
}

func (r *MemRepository) Fail(ctx context.Context, uid, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", uid)
	}
	d.Status = StatusFailed
	d.Message = message
	return nil
}

func (r *MemRepository) ListExpired(ctx context.Context, now time.Time) ([]Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Download
	for _, d := range r.downloads {
		if d.Status == StatusCompleted && d.ExpiresAt.Before(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *MemRepository) MarkExpired(ctx context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[uid]
	if !ok {
		return pusherr.Wrapf(pusherr.ErrNotFound, "download: %s not found", uid)
	}
	d.Status = StatusExpired
	return nil
}

func (r *MemRepository) Delete(ctx context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.downloads, uid)
	return nil
}
