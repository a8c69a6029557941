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

// Package access declares the identity and authorization contracts the
// push/version storage engine depends on without implementing. Project
// membership, team roles and permission evaluation live outside this
// module; the engine only ever calls through these interfaces.
package access

import "context"

// Project is the minimal project shape the engine needs from the
// project/member CRUD subsystem that owns it.
type Project struct {
	UID              string
	OwnerID          string
	RequiresApproval bool
	IgnorePatterns   []string
}

// User is the minimal actor shape the engine needs from the identity
// subsystem.
type User struct {
	UID string
}

// AccessPolicy evaluates whether an actor may perform an action on a
// project. Implementations live in the identity/permissions subsystem;
// the engine treats it as an opaque dependency.
type AccessPolicy interface {
	CanEdit(ctx context.Context, project Project, user User) (bool, error)
	CanView(ctx context.Context, project Project, user User) (bool, error)
	IsOwner(ctx context.Context, project Project, user User) (bool, error)
}

// Authenticator resolves a request-scoped credential to a User. The
// engine never sees tokens or sessions directly; callers authenticate
// upstream and pass the resolved User in.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (User, error)
}
