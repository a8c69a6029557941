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

package cas

import (
	"context"

	"pushstore.dev/pkg/blob"
)

// BlobRow is a Blob's metadata (spec.md §3), everything about it
// except the payload, which lives in a FileStore.
type BlobRow struct {
	ID       int64
	Hash     blob.Ref
	Size     int64
	RefCount int
}

// Index is the metadata persistence BlobStore needs: the blobs table
// and the blob_references edges, kept separate from the payload
// (FileStore) and from VersionRepository's own tables so a caller can
// put them in the same database without this package depending on
// pkg/version. Grounded on perkeep's pkg/sorted registry pattern — a
// small interface with interchangeable backends — generalized here to
// a relational shape because ref counting's invariants (§3, §5) need
// transactional increment/decrement, not just sorted key/value gets.
type Index interface {
	// Lookup finds a blob row by content hash.
	Lookup(ctx context.Context, hash blob.Ref) (BlobRow, bool, error)

	// LookupByID finds a blob row by id.
	LookupByID(ctx context.Context, id int64) (BlobRow, bool, error)

	// Create inserts a new blob row with ref_count 0. If a row for
	// hash already exists (a concurrent writer across processes won
	// the race), Create returns the existing row instead of erroring,
	// backing up the in-process singleflight guard with a real
	// constraint.
	Create(ctx context.Context, hash blob.Ref, size int64) (BlobRow, error)

	// Acquire creates the (blob, version) reference and increments
	// ref_count, unless that reference already exists, in which case
	// it's a no-op. Returns the resulting ref_count either way.
	Acquire(ctx context.Context, blobID int64, project, holderVersion string) (refCount int, err error)

	// Release deletes the (blob, version) reference if present and
	// decrements ref_count accordingly. It does not delete the blob
	// row or payload even if the count reaches zero; Sweep does that.
	Release(ctx context.Context, blobID int64, holderVersion string) (refCount int, err error)

	// ZeroRefBlobs returns every blob row with ref_count <= 0.
	ZeroRefBlobs(ctx context.Context) ([]BlobRow, error)

	// Delete removes the blob row (and any dangling reference rows).
	Delete(ctx context.Context, blobID int64) error

	// Reconcile recomputes ref_count for blobID as the number of
	// blob_reference rows recorded for it and repairs drift. The
	// holders' version status is not consulted. Returns the count
	// before and after.
	Reconcile(ctx context.Context, blobID int64) (before, after int, err error)

	// AllBlobIDs returns every blob id, for a full-index reconcile pass.
	AllBlobIDs(ctx context.Context) ([]int64, error)

	// Stats returns the blob count and total payload bytes across the
	// whole index (or restricted to project, if non-empty).
	Stats(ctx context.Context, project string) (count int, totalBytes int64, err error)
}
