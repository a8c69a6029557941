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
	"sync"

	"pushstore.dev/pkg/blob"
)

// MemIndex is an in-process Index, grounded on perkeep's
// pkg/sorted/mem.go map-plus-mutex key/value store, generalized here
// to the blob/blob_reference relational shape. Used by tests and by
// callers who don't need cross-process ref counting.
type MemIndex struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*blobRecord
	byHash  map[string]int64
	refKeys map[int64]map[string]bool // blobID -> holderVersion -> true
}

type blobRecord struct {
	row     BlobRow
	project string
}

var _ Index = (*MemIndex)(nil)

func NewMemIndex() *MemIndex {
	return &MemIndex{
		byID:    make(map[int64]*blobRecord),
		byHash:  make(map[string]int64),
		refKeys: make(map[int64]map[string]bool),
	}
}

func (m *MemIndex) Lookup(ctx context.Context, hash blob.Ref) (BlobRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash.String()]
	if !ok {
		return BlobRow{}, false, nil
	}
	return m.byID[id].row, true, nil
}

func (m *MemIndex) LookupByID(ctx context.Context, id int64) (BlobRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return BlobRow{}, false, nil
	}
	return rec.row, true, nil
}

func (m *MemIndex) Create(ctx context.Context, hash blob.Ref, size int64) (BlobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byHash[hash.String()]; ok {
		return m.byID[id].row, nil
	}
	m.nextID++
	id := m.nextID
	row := BlobRow{ID: id, Hash: hash, Size: size, RefCount: 0}
	m.byID[id] = &blobRecord{row: row}
	m.byHash[hash.String()] = id
	m.refKeys[id] = make(map[string]bool)
	return row, nil
}

func (m *MemIndex) Acquire(ctx context.Context, blobID int64, project, holderVersion string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[blobID]
	if !ok {
		return 0, ErrBlobRowMissing
	}
	rec.project = project
	refs := m.refKeys[blobID]
	if !refs[holderVersion] {
		refs[holderVersion] = true
		rec.row.RefCount++
	}
	return rec.row.RefCount, nil
}

func (m *MemIndex) Release(ctx context.Context, blobID int64, holderVersion string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[blobID]
	if !ok {
		return 0, ErrBlobRowMissing
	}
	refs := m.refKeys[blobID]
	if refs[holderVersion] {
		delete(refs, holderVersion)
		rec.row.RefCount--
	}
	return rec.row.RefCount, nil
}

func (m *MemIndex) ZeroRefBlobs(ctx context.Context) ([]BlobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BlobRow
	for _, rec := range m.byID {
		if rec.row.RefCount <= 0 {
			out = append(out, rec.row)
		}
	}
	return out, nil
}

func (m *MemIndex) Delete(ctx context.Context, blobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[blobID]
	if !ok {
		return nil
	}
	delete(m.byHash, rec.row.Hash.String())
	delete(m.byID, blobID)
	delete(m.refKeys, blobID)
	return nil
}

func (m *MemIndex) Reconcile(ctx context.Context, blobID int64) (before, after int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[blobID]
	if !ok {
		return 0, 0, ErrBlobRowMissing
	}
	before = rec.row.RefCount
	after = len(m.refKeys[blobID])
	rec.row.RefCount = after
	return before, after, nil
}

func (m *MemIndex) AllBlobIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemIndex) Stats(ctx context.Context, project string) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	var total int64
	for _, rec := range m.byID {
		if project != "" && rec.project != project {
			continue
		}
		count++
		total += rec.row.Size
	}
	return count, total, nil
}
