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

// Package filestore defines the opaque byte-range storage contract
// every other storage component in the engine builds on (spec.md
// §4.1), and provides two implementations: a sharded local-disk store
// grounded on perkeep's pkg/blobserver/localdisk, and an in-memory
// store for tests grounded on perkeep's pkg/blobserver/memory.
package filestore

import (
	"context"
	"io"
)

// FileStore is opaque byte-range storage keyed by an opaque string.
// Implementations may namespace keys however they like internally, but
// every operation must be atomic with respect to full success: a
// caller must never observe a partially-written value.
//
// FileStore is an internal storage primitive; it is never exposed to
// clients of the engine.
type FileStore interface {
	// Put stores the content read from r under key, replacing any
	// existing value, and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (size int64, err error)

	// Open returns a reader for the content stored under key. Callers
	// must Close it. Returns an error satisfying errors.Is(err, ErrNotExist)
	// if key isn't present.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a key that doesn't exist is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns the size in bytes of the content stored under key.
	Stat(ctx context.Context, key string) (size int64, err error)
}

// Enumerator is an optional capability for FileStores that can list
// their own keys, used by the orphaned-blob sweep (pkg/cas.Orphans).
// Not every FileStore needs to implement it.
type Enumerator interface {
	// Enumerate returns every key with the given prefix.
	Enumerate(ctx context.Context, prefix string) ([]string, error)
}
