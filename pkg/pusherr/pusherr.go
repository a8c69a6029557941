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

// Package pusherr defines the error kinds surfaced by the push/version
// storage engine, used to decide how transport layers and callers should
// react to a failure.
package pusherr

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the actor lacks the required capability.
	// Callers that care about leaking existence (projects, versions)
	// should render this the same as ErrNotFound.
	ErrPermissionDenied = errors.New("pushstore: permission denied")

	// ErrNotFound means no such entity, or the entity isn't visible to
	// the actor.
	ErrNotFound = errors.New("pushstore: not found")

	// ErrInvalidState means a state-machine transition was attempted
	// from a state that doesn't allow it.
	ErrInvalidState = errors.New("pushstore: invalid state transition")

	// ErrHashMismatch means a declared content hash disagreed with the
	// hash computed while storing or verifying the content.
	ErrHashMismatch = errors.New("pushstore: hash mismatch")

	// ErrBlobMissing means a manifest references a blob whose payload
	// is absent from the BlobStore.
	ErrBlobMissing = errors.New("pushstore: blob missing")

	// ErrManifestCorrupt means a manifest failed to decode or is
	// missing required fields.
	ErrManifestCorrupt = errors.New("pushstore: manifest corrupt")

	// ErrStorageUnavailable means the FileStore refused an operation.
	ErrStorageUnavailable = errors.New("pushstore: storage unavailable")

	// ErrCancelled means a worker observed cancellation mid-job.
	ErrCancelled = errors.New("pushstore: cancelled")

	// ErrInternal is for anything else. Callers pairing this with a
	// server-side structured log should use Wrap to keep the detail
	// out of the client-visible message.
	ErrInternal = errors.New("pushstore: internal error")
)

// Wrap attaches msg as context to kind, so errors.Is(err, kind) still
// succeeds while the returned error carries a human-readable detail.
func Wrap(kind error, msg string) error {
	return &wrapped{kind: kind, msg: msg}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting of msg.
func Wrapf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Sprintf(format, args...))
}

type wrapped struct {
	kind error
	msg  string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.kind }

// Is reports whether err is (or wraps) kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
