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

package main

import (
	"context"
	"io"
	"os"
	"sync"

	"pushstore.dev/pkg/access"
	"pushstore.dev/pkg/pusherr"
	"pushstore.dev/pkg/version"
)

// staticProjects is a minimal in-process ProjectStore for running
// pushengined without an external project/member CRUD service. Real
// deployments implement push.ProjectStore and download.ProjectStore
// against whatever owns project and membership data; this exists so
// the composition root is runnable on its own.
type staticProjects struct {
	mu       sync.Mutex
	projects map[string]access.Project
}

func newStaticProjects() *staticProjects {
	return &staticProjects{projects: make(map[string]access.Project)}
}

func (s *staticProjects) Get(ctx context.Context, projectID string) (access.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return access.Project{}, pusherr.Wrapf(pusherr.ErrNotFound, "project %s not registered", projectID)
	}
	return p, nil
}

// Put registers or replaces a project's record. Exposed for the
// embedding process to seed projects at startup, since there is no
// separate project-creation surface here.
func (s *staticProjects) Put(p access.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.UID] = p
}

// openAccessPolicy grants every actor edit and view rights and treats
// only project.OwnerID as owner, with no team or role model.
// Standing in for the permissions subsystem spec.md leaves external;
// a real deployment supplies its own access.AccessPolicy.
type openAccessPolicy struct{}

var _ access.AccessPolicy = openAccessPolicy{}

func (openAccessPolicy) CanEdit(ctx context.Context, project access.Project, user access.User) (bool, error) {
	return true, nil
}

func (openAccessPolicy) CanView(ctx context.Context, project access.Project, user access.User) (bool, error) {
	return true, nil
}

func (openAccessPolicy) IsOwner(ctx context.Context, project access.Project, user access.User) (bool, error) {
	return project.OwnerID == user.UID, nil
}

// localFileContentSource resolves a push's file-list entries by
// treating ContentHandle as a path on the local filesystem, the
// simplest thing a caller that staged uploads to disk could mean by
// it. A transport layer backed by object storage or a streaming
// upload would implement push.ContentSource differently.
type localFileContentSource struct{}

func (localFileContentSource) Open(ctx context.Context, entry version.FileListEntry) (io.ReadCloser, error) {
	f, err := os.Open(entry.ContentHandle)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "open staged content %s: %v", entry.ContentHandle, err)
	}
	return f, nil
}
