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
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"pushstore.dev/pkg/blob"
)

// PGIndex is a Postgres-backed Index, grounded on perkeep's
// pkg/sorted/postgres adapter (a sorted.KeyValue wrapping
// database/sql with the "postgres" driver from github.com/lib/pq),
// generalized from a flat key/value table to the blobs/
// blob_references relational shape ref counting needs.
//
// Schema (created by EnsureSchema):
//
//	blobs(id bigserial pk, hash text unique, size bigint, ref_count int)
//	blob_references(blob_id bigint, version_uid text, project text,
//	                 primary key (blob_id, version_uid))
type PGIndex struct {
	db *sql.DB
}

var _ Index = (*PGIndex)(nil)

// NewPGIndex wraps an already-open *sql.DB (driver "postgres").
func NewPGIndex(db *sql.DB) *PGIndex {
	return &PGIndex{db: db}
}

// EnsureSchema creates the blobs/blob_references tables if they don't
// already exist. Safe to call on every startup.
func (p *PGIndex) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS blobs (
	id         BIGSERIAL PRIMARY KEY,
	hash       TEXT NOT NULL UNIQUE,
	size       BIGINT NOT NULL,
	ref_count  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS blob_references (
	blob_id     BIGINT NOT NULL REFERENCES blobs(id),
	version_uid TEXT NOT NULL,
	project     TEXT NOT NULL,
	PRIMARY KEY (blob_id, version_uid)
);
CREATE INDEX IF NOT EXISTS blob_references_project_idx ON blob_references(project);
`)
	if err != nil {
		return fmt.Errorf("cas: ensure schema: %w", err)
	}
	return nil
}

func (p *PGIndex) Lookup(ctx context.Context, hash blob.Ref) (BlobRow, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, hash, size, ref_count FROM blobs WHERE hash = $1`, hash.String())
	return scanBlobRow(row)
}

func (p *PGIndex) LookupByID(ctx context.Context, id int64) (BlobRow, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, hash, size, ref_count FROM blobs WHERE id = $1`, id)
	return scanBlobRow(row)
}

func scanBlobRow(row *sql.Row) (BlobRow, bool, error) {
	var br BlobRow
	var hashStr string
	err := row.Scan(&br.ID, &hashStr, &br.Size, &br.RefCount)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobRow{}, false, nil
	}
	if err != nil {
		return BlobRow{}, false, fmt.Errorf("cas: scan blob row: %w", err)
	}
	ref, ok := blob.Parse(hashStr)
	if !ok {
		return BlobRow{}, false, fmt.Errorf("cas: corrupt hash in blobs row %d: %q", br.ID, hashStr)
	}
	br.Hash = ref
	return br, true, nil
}

func (p *PGIndex) Create(ctx context.Context, hash blob.Ref, size int64) (BlobRow, error) {
	row := p.db.QueryRowContext(ctx, `
INSERT INTO blobs (hash, size, ref_count) VALUES ($1, $2, 0)
ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
RETURNING id, hash, size, ref_count`, hash.String(), size)
	br, ok, err := scanBlobRow(row)
	if err != nil {
		return BlobRow{}, err
	}
	if !ok {
		return BlobRow{}, fmt.Errorf("cas: insert blob %s returned no row", hash)
	}
	return br, nil
}

func (p *PGIndex) Acquire(ctx context.Context, blobID int64, project, holderVersion string) (int, error) {
	return p.withTx(ctx, func(tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, `
INSERT INTO blob_references (blob_id, version_uid, project) VALUES ($1, $2, $3)
ON CONFLICT (blob_id, version_uid) DO NOTHING`, blobID, holderVersion, project)
		if err != nil {
			return 0, fmt.Errorf("cas: insert blob_reference: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("cas: rows affected: %w", err)
		}
		if n == 0 {
			// already acquired by this holder; idempotent no-op.
			var refCount int
			if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE id = $1`, blobID).Scan(&refCount); err != nil {
				return 0, fmt.Errorf("cas: read ref_count: %w", err)
			}
			return refCount, nil
		}
		var refCount int
		err = tx.QueryRowContext(ctx, `
UPDATE blobs SET ref_count = ref_count + 1 WHERE id = $1 RETURNING ref_count`, blobID).Scan(&refCount)
		if err != nil {
			return 0, fmt.Errorf("cas: increment ref_count: %w", err)
		}
		return refCount, nil
	})
}

func (p *PGIndex) Release(ctx context.Context, blobID int64, holderVersion string) (int, error) {
	return p.withTx(ctx, func(tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, `
DELETE FROM blob_references WHERE blob_id = $1 AND version_uid = $2`, blobID, holderVersion)
		if err != nil {
			return 0, fmt.Errorf("cas: delete blob_reference: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("cas: rows affected: %w", err)
		}
		var refCount int
		if n == 0 {
			if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE id = $1`, blobID).Scan(&refCount); err != nil {
				return 0, fmt.Errorf("cas: read ref_count: %w", err)
			}
			return refCount, nil
		}
		err = tx.QueryRowContext(ctx, `
UPDATE blobs SET ref_count = ref_count - 1 WHERE id = $1 RETURNING ref_count`, blobID).Scan(&refCount)
		if err != nil {
			return 0, fmt.Errorf("cas: decrement ref_count: %w", err)
		}
		return refCount, nil
	})
}

func (p *PGIndex) withTx(ctx context.Context, fn func(*sql.Tx) (int, error)) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cas: begin tx: %w", err)
	}
	n, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cas: commit: %w", err)
	}
	return n, nil
}

func (p *PGIndex) ZeroRefBlobs(ctx context.Context) ([]BlobRow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, hash, size, ref_count FROM blobs WHERE ref_count <= 0`)
	if err != nil {
		return nil, fmt.Errorf("cas: query zero-ref blobs: %w", err)
	}
	defer rows.Close()
	var out []BlobRow
	for rows.Next() {
		var br BlobRow
		var hashStr string
		if err := rows.Scan(&br.ID, &hashStr, &br.Size, &br.RefCount); err != nil {
			return nil, fmt.Errorf("cas: scan zero-ref blob: %w", err)
		}
		ref, ok := blob.Parse(hashStr)
		if !ok {
			continue
		}
		br.Hash = ref
		out = append(out, br)
	}
	return out, rows.Err()
}

func (p *PGIndex) Delete(ctx context.Context, blobID int64) error {
	_, err := p.withTx(ctx, func(tx *sql.Tx) (int, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blob_references WHERE blob_id = $1`, blobID); err != nil {
			return 0, fmt.Errorf("cas: delete dangling blob_references: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, blobID); err != nil {
			return 0, fmt.Errorf("cas: delete blob: %w", err)
		}
		return 0, nil
	})
	return err
}

func (p *PGIndex) Reconcile(ctx context.Context, blobID int64) (before, after int, err error) {
	_, err = p.withTx(ctx, func(tx *sql.Tx) (int, error) {
		if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE id = $1`, blobID).Scan(&before); err != nil {
			return 0, fmt.Errorf("cas: read ref_count: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM blob_references WHERE blob_id = $1`, blobID).Scan(&after); err != nil {
			return 0, fmt.Errorf("cas: count blob_references: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = $1 WHERE id = $2`, after, blobID); err != nil {
			return 0, fmt.Errorf("cas: repair ref_count: %w", err)
		}
		return 0, nil
	})
	return before, after, err
}

func (p *PGIndex) AllBlobIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM blobs`)
	if err != nil {
		return nil, fmt.Errorf("cas: query blob ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cas: scan blob id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PGIndex) Stats(ctx context.Context, project string) (int, int64, error) {
	var count int
	var total sql.NullInt64
	var err error
	if project == "" {
		err = p.db.QueryRowContext(ctx, `SELECT count(*), coalesce(sum(size), 0) FROM blobs`).Scan(&count, &total)
	} else {
		err = p.db.QueryRowContext(ctx, `
SELECT count(*), coalesce(sum(size), 0)
FROM blobs
WHERE id IN (SELECT blob_id FROM blob_references WHERE project = $1)`, project).Scan(&count, &total)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("cas: stats: %w", err)
	}
	return count, total.Int64, nil
}
