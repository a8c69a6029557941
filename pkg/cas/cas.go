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

// Package cas is the content-addressed blob store: large file payloads
// are written once under their SHA-256 hash and shared across every
// version and project that references them, with reference counting
// standing in for garbage collection.
package cas

import (
	"context"
	"io"
	"log"

	"golang.org/x/sync/singleflight"

	"pushstore.dev/internal/hashutil"
	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/pusherr"
)

// BlobStore combines a FileStore (the payload bytes) with an Index
// (the metadata and ref counts), guarding concurrent writes of the
// same content with a singleflight.Group so two versions pushing an
// identical file at once write the payload exactly once. Grounded on
// perkeep's blobserver receive path (pkg/blobserver/receive.go),
// which hashes while writing and rejects on digest mismatch; the
// ref-counted deletion semantics come from this design's §4.2/§5.
type BlobStore struct {
	files filestore.FileStore
	index Index
	group singleflight.Group
	log   *log.Logger
}

// New builds a BlobStore over files and index. If logger is nil,
// log.Default() is used.
func New(files filestore.FileStore, index Index, logger *log.Logger) *BlobStore {
	if logger == nil {
		logger = log.Default()
	}
	return &BlobStore{files: files, index: index, log: logger}
}

func blobKey(hash blob.Ref) string {
	s := hash.String()
	return "blobs/" + s[:2] + "/" + s
}

// Store writes r's content under expectedHash, verifying the digest
// as it streams rather than buffering first. If a blob with that hash
// already exists, the payload write is skipped and the existing row
// is returned with created=false. Concurrent Store calls for the same
// hash (in this process) are coalesced: only one writes the payload,
// and every caller sees its result.
func (b *BlobStore) Store(ctx context.Context, r io.Reader, expectedHash blob.Ref, size int64) (BlobRow, bool, error) {
	if existing, ok, err := b.index.Lookup(ctx, expectedHash); err != nil {
		return BlobRow{}, false, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: lookup %s: %v", expectedHash, err)
	} else if ok {
		io.Copy(io.Discard, r) //nolint:errcheck // drain so the caller's pipeline doesn't stall
		return existing, false, nil
	}

	type result struct {
		row     BlobRow
		created bool
	}
	v, err, _ := b.group.Do(expectedHash.String(), func() (interface{}, error) {
		if existing, ok, err := b.index.Lookup(ctx, expectedHash); err != nil {
			return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: lookup %s: %v", expectedHash, err)
		} else if ok {
			return result{row: existing, created: false}, nil
		}

		tr := hashutil.NewTrackDigestReader(r)
		key := blobKey(expectedHash)
		written, err := b.files.Put(ctx, key, tr)
		if err != nil {
			return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: write %s: %v", key, err)
		}
		if got := tr.Ref(); got != expectedHash {
			b.files.Delete(ctx, key) //nolint:errcheck // best-effort cleanup of the bad write
			return nil, pusherr.Wrapf(pusherr.ErrHashMismatch, "cas: expected %s, got %s", expectedHash, got)
		}
		if size != 0 && written != size {
			b.files.Delete(ctx, key) //nolint:errcheck
			return nil, pusherr.Wrapf(pusherr.ErrHashMismatch, "cas: expected size %d, wrote %d", size, written)
		}

		row, err := b.index.Create(ctx, expectedHash, written)
		if err != nil {
			return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: create row for %s: %v", expectedHash, err)
		}
		return result{row: row, created: true}, nil
	})
	if err != nil {
		return BlobRow{}, false, err
	}
	res := v.(result)
	return res.row, res.created, nil
}

// Open returns the payload for blobID. The caller must Close it.
func (b *BlobStore) Open(ctx context.Context, blobID int64) (io.ReadCloser, error) {
	row, ok, err := b.index.LookupByID(ctx, blobID)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: lookup id %d: %v", blobID, err)
	}
	if !ok {
		return nil, pusherr.Wrapf(pusherr.ErrBlobMissing, "cas: no row for blob id %d", blobID)
	}
	rc, err := b.files.Open(ctx, blobKey(row.Hash))
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrBlobMissing, "cas: open %s: %v", row.Hash, err)
	}
	return rc, nil
}

// Lookup finds a blob row by content hash without opening its payload.
func (b *BlobStore) Lookup(ctx context.Context, hash blob.Ref) (BlobRow, bool, error) {
	return b.index.Lookup(ctx, hash)
}

// Acquire records that holderVersion (a hex version UID) within
// project depends on blobID, incrementing its ref count the first
// time. pkg/push takes this as each manifest entry is built, under
// the project's push mutex, before the version is marked complete.
func (b *BlobStore) Acquire(ctx context.Context, blobID int64, project, holderVersion string) (int, error) {
	n, err := b.index.Acquire(ctx, blobID, project, holderVersion)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: acquire blob %d: %v", blobID, err)
	}
	return n, nil
}

// Release drops holderVersion's dependency on blobID. It never
// deletes the payload directly, even if the count reaches zero;
// Sweep reclaims zero-ref blobs on its own schedule.
func (b *BlobStore) Release(ctx context.Context, blobID int64, holderVersion string) (int, error) {
	n, err := b.index.Release(ctx, blobID, holderVersion)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: release blob %d: %v", blobID, err)
	}
	return n, nil
}

// Sweep deletes the payload and row for every blob with ref_count <=
// 0. It returns the number of blobs reclaimed and the first error
// encountered, continuing past per-blob errors so one bad blob
// doesn't block the rest of the sweep.
func (b *BlobStore) Sweep(ctx context.Context) (int, error) {
	rows, err := b.index.ZeroRefBlobs(ctx)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: list zero-ref blobs: %v", err)
	}
	var deleted int
	var firstErr error
	for _, row := range rows {
		if err := b.files.Delete(ctx, blobKey(row.Hash)); err != nil && firstErr == nil {
			firstErr = pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: delete payload %s: %v", row.Hash, err)
			continue
		}
		if err := b.index.Delete(ctx, row.ID); err != nil {
			if firstErr == nil {
				firstErr = pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: delete row %d: %v", row.ID, err)
			}
			continue
		}
		deleted++
		b.log.Printf("cas: swept blob %s (%d bytes)", row.Hash, row.Size)
	}
	return deleted, firstErr
}

// Reconcile recomputes blobID's ref count from its actual reference
// rows, repairing drift left by a crash between Acquire/Release calls
// and the version transition they guard.
func (b *BlobStore) Reconcile(ctx context.Context, blobID int64) (before, after int, err error) {
	before, after, err = b.index.Reconcile(ctx, blobID)
	if err != nil {
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: reconcile blob %d: %v", blobID, err)
	}
	if before != after {
		b.log.Printf("cas: reconciled blob %d: ref_count %d -> %d", blobID, before, after)
	}
	return before, after, nil
}

// ReconcileAll reconciles every blob in the index, returning how many
// had drift repaired.
func (b *BlobStore) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := b.index.AllBlobIDs(ctx)
	if err != nil {
		return 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: list blob ids: %v", err)
	}
	var repaired int
	for _, id := range ids {
		before, after, err := b.Reconcile(ctx, id)
		if err != nil {
			return repaired, err
		}
		if before != after {
			repaired++
		}
	}
	return repaired, nil
}

// Stats summarizes blob count and total payload bytes, optionally
// restricted to a single project.
func (b *BlobStore) Stats(ctx context.Context, project string) (count int, totalBytes int64, err error) {
	count, totalBytes, err = b.index.Stats(ctx, project)
	if err != nil {
		return 0, 0, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: stats: %v", err)
	}
	return count, totalBytes, nil
}

// Orphans lists FileStore keys under blobs/ with no corresponding
// Index row: payload bytes that survived a crash between Put and
// Create, or were left behind by some bug. Requires files to
// implement filestore.Enumerator; returns pusherr.ErrInternal
// otherwise.
func (b *BlobStore) Orphans(ctx context.Context) ([]string, error) {
	enum, ok := b.files.(filestore.Enumerator)
	if !ok {
		return nil, pusherr.Wrapf(pusherr.ErrInternal, "cas: filestore %T does not support enumeration", b.files)
	}
	keys, err := enum.Enumerate(ctx, "blobs/")
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: enumerate: %v", err)
	}

	ids, err := b.index.AllBlobIDs(ctx)
	if err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: list blob ids: %v", err)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		row, ok, err := b.index.LookupByID(ctx, id)
		if err != nil {
			return nil, pusherr.Wrapf(pusherr.ErrStorageUnavailable, "cas: lookup id %d: %v", id, err)
		}
		if ok {
			known[blobKey(row.Hash)] = true
		}
	}

	var orphans []string
	for _, key := range keys {
		if !known[key] {
			orphans = append(orphans, key)
		}
	}
	return orphans, nil
}
