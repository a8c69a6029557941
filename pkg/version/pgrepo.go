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

package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"pushstore.dev/pkg/pusherr"
)

// PGRepository is a Postgres-backed VersionRepository and
// PushRepository, grounded on pkg/cas's PGIndex in structure (plain
// database/sql over lib/pq, one EnsureSchema call, hand-written SQL
// rather than an ORM) and generalized to the versions/pushes tables'
// richer column set and the version-numbering transaction.
type PGRepository struct {
	db *sql.DB
}

var (
	_ VersionRepository = (*PGRepository)(nil)
	_ PushRepository    = (*PGRepository)(nil)
)

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS versions (
	uid              TEXT PRIMARY KEY,
	project          TEXT NOT NULL,
	created_by       TEXT NOT NULL,
	commit_message   TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	version_number   INTEGER NOT NULL DEFAULT 0,
	is_snapshot      BOOLEAN NOT NULL DEFAULT FALSE,
	snapshot_ref     TEXT NOT NULL DEFAULT '',
	manifest_ref     TEXT NOT NULL DEFAULT '',
	hash             TEXT NOT NULL DEFAULT '',
	file_size        BIGINT NOT NULL DEFAULT 0,
	file_count       INTEGER NOT NULL DEFAULT 0,
	previous_version TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	files_added      INTEGER NOT NULL DEFAULT 0,
	files_modified   INTEGER NOT NULL DEFAULT 0,
	files_deleted    INTEGER NOT NULL DEFAULT 0,
	size_change      BIGINT NOT NULL DEFAULT 0,
	change_details   JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS versions_project_hash_completed_idx
	ON versions (project, hash) WHERE status = 'completed';
CREATE INDEX IF NOT EXISTS versions_project_status_idx ON versions (project, status);

CREATE TABLE IF NOT EXISTS pushes (
	uid             TEXT PRIMARY KEY,
	project         TEXT NOT NULL,
	created_by      TEXT NOT NULL,
	commit_message  TEXT NOT NULL DEFAULT '',
	file_list       JSONB,
	version_uid     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	progress        INTEGER NOT NULL DEFAULT 0,
	message         TEXT NOT NULL DEFAULT '',
	error_details   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("version: ensure schema: %w", err)
	}
	return nil
}

func (r *PGRepository) CreatePending(ctx context.Context, project, createdBy, commitMessage string) (Version, error) {
	uid := newUID()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO versions (uid, project, created_by, commit_message, status, created_at)
VALUES ($1, $2, $3, $4, 'pending', $5)`, uid, project, createdBy, commitMessage, now)
	if err != nil {
		return Version{}, fmt.Errorf("version: insert pending: %w", err)
	}
	return Version{UID: uid, Project: project, CreatedBy: createdBy, CommitMessage: commitMessage, Status: StatusPending, CreatedAt: now}, nil
}

func (r *PGRepository) Get(ctx context.Context, uid string) (Version, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT uid, project, created_by, commit_message, status, version_number, is_snapshot,
       snapshot_ref, manifest_ref, hash, file_size, file_count, previous_version,
       created_at, completed_at, files_added, files_modified, files_deleted, size_change,
       change_details
FROM versions WHERE uid = $1`, uid)
	return scanVersion(row)
}

func scanVersion(row *sql.Row) (Version, bool, error) {
	var v Version
	var completedAt sql.NullTime
	var status string
	var detailsJSON []byte
	err := row.Scan(&v.UID, &v.Project, &v.CreatedBy, &v.CommitMessage, &status, &v.VersionNumber,
		&v.IsSnapshot, &v.SnapshotRef, &v.ManifestRef, &v.Hash, &v.FileSize, &v.FileCount,
		&v.PreviousVersion, &v.CreatedAt, &completedAt, &v.FilesAdded, &v.FilesModified,
		&v.FilesDeleted, &v.SizeChange, &detailsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, fmt.Errorf("version: scan: %w", err)
	}
	v.Status = Status(status)
	if completedAt.Valid {
		v.CompletedAt = completedAt.Time
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &v.ChangeDetails); err != nil {
			return Version{}, false, fmt.Errorf("version: unmarshal change_details: %w", err)
		}
	}
	return v, true, nil
}

func (r *PGRepository) MarkProcessing(ctx context.Context, uid string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE versions SET status = 'processing' WHERE uid = $1 AND status = 'pending'`, uid)
	if err != nil {
		return fmt.Errorf("version: mark processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pusherr.Wrapf(pusherr.ErrInvalidState, "version: %s is not pending", uid)
	}
	return nil
}

func (r *PGRepository) FindCompletedByHash(ctx context.Context, project, manifestHash string) (Version, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT uid, project, created_by, commit_message, status, version_number, is_snapshot,
       snapshot_ref, manifest_ref, hash, file_size, file_count, previous_version,
       created_at, completed_at, files_added, files_modified, files_deleted, size_change,
       change_details
FROM versions WHERE project = $1 AND hash = $2 AND status = 'completed'`, project, manifestHash)
	return scanVersion(row)
}

func (r *PGRepository) LatestCompleted(ctx context.Context, project, excludeUID string) (Version, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT uid, project, created_by, commit_message, status, version_number, is_snapshot,
       snapshot_ref, manifest_ref, hash, file_size, file_count, previous_version,
       created_at, completed_at, files_added, files_modified, files_deleted, size_change,
       change_details
FROM versions WHERE project = $1 AND status = 'completed' AND uid != $2
ORDER BY version_number DESC LIMIT 1`, project, excludeUID)
	return scanVersion(row)
}

func (r *PGRepository) CountCompleted(ctx context.Context, project string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM versions WHERE project = $1 AND status = 'completed'`, project).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("version: count completed: %w", err)
	}
	return n, nil
}

func (r *PGRepository) Complete(ctx context.Context, uid string, p CompleteParams) (Version, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("version: begin tx: %w", err)
	}
	defer tx.Rollback()

	var project, status string
	if err := tx.QueryRowContext(ctx, `SELECT project, status FROM versions WHERE uid = $1`, uid).Scan(&project, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, pusherr.Wrapf(pusherr.ErrNotFound, "version: %s not found", uid)
		}
		return Version{}, fmt.Errorf("version: read for complete: %w", err)
	}
	if status != string(StatusProcessing) {
		return Version{}, pusherr.Wrapf(pusherr.ErrInvalidState, "version: %s is %s, not processing", uid, status)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM versions WHERE project = $1 AND status = 'completed'`, project).Scan(&count); err != nil {
		return Version{}, fmt.Errorf("version: count completed: %w", err)
	}
	versionNumber := count + 1

	detailsJSON, err := json.Marshal(p.ChangeDetails)
	if err != nil {
		return Version{}, fmt.Errorf("version: marshal change_details: %w", err)
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
UPDATE versions SET
	status = 'completed', version_number = $1, is_snapshot = $2, snapshot_ref = $3,
	manifest_ref = $4, hash = $5, file_size = $6, file_count = $7, previous_version = $8,
	completed_at = $9, files_added = $10, files_modified = $11, files_deleted = $12,
	size_change = $13, change_details = $14
WHERE uid = $15`,
		versionNumber, p.IsSnapshot, p.SnapshotRef, p.ManifestRef, p.Hash, p.FileSize, p.FileCount,
		p.PreviousVersion, now, p.FilesAdded, p.FilesModified, p.FilesDeleted, p.SizeChange,
		detailsJSON, uid)
	if err != nil {
		// A concurrent committer racing on the (project, hash) unique
		// index is the backstop the concurrency model describes; the
		// per-project mutex in the caller should make this path dead
		// in practice.
		return Version{}, pusherr.Wrapf(pusherr.ErrInvalidState, "version: complete %s: %v", uid, err)
	}
	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("version: commit complete: %w", err)
	}

	result, ok, err := r.Get(ctx, uid)
	if err != nil {
		return Version{}, err
	}
	if !ok {
		return Version{}, pusherr.Wrapf(pusherr.ErrInternal, "version: %s vanished after complete", uid)
	}
	return result, nil
}

func (r *PGRepository) Fail(ctx context.Context, uid, reason string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE versions SET status = 'failed' WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("version: fail %s: %w", uid, err)
	}
	return nil
}

func (r *PGRepository) Delete(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM versions WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("version: delete %s: %w", uid, err)
	}
	return nil
}

func (r *PGRepository) ListCompleted(ctx context.Context, project string) ([]Version, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT uid, project, created_by, commit_message, status, version_number, is_snapshot,
       snapshot_ref, manifest_ref, hash, file_size, file_count, previous_version,
       created_at, completed_at, files_added, files_modified, files_deleted, size_change,
       change_details
FROM versions WHERE project = $1 AND status = 'completed' ORDER BY created_at DESC`, project)
	if err != nil {
		return nil, fmt.Errorf("version: list completed: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, _, err := scanVersionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersionRows(rows *sql.Rows) (Version, bool, error) {
	var v Version
	var completedAt sql.NullTime
	var status string
	var detailsJSON []byte
	err := rows.Scan(&v.UID, &v.Project, &v.CreatedBy, &v.CommitMessage, &status, &v.VersionNumber,
		&v.IsSnapshot, &v.SnapshotRef, &v.ManifestRef, &v.Hash, &v.FileSize, &v.FileCount,
		&v.PreviousVersion, &v.CreatedAt, &completedAt, &v.FilesAdded, &v.FilesModified,
		&v.FilesDeleted, &v.SizeChange, &detailsJSON)
	if err != nil {
		return Version{}, false, fmt.Errorf("version: scan row: %w", err)
	}
	v.Status = Status(status)
	if completedAt.Valid {
		v.CompletedAt = completedAt.Time
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &v.ChangeDetails); err != nil {
			return Version{}, false, fmt.Errorf("version: unmarshal change_details: %w", err)
		}
	}
	return v, true, nil
}

// --- PushRepository ---

func (r *PGRepository) Create(ctx context.Context, project, createdBy, commitMessage string, fileList []FileListEntry, versionUID string, initial PushStatus) (Push, error) {
	uid := newUID()
	now := time.Now().UTC()
	fileListJSON, err := json.Marshal(fileList)
	if err != nil {
		return Push{}, fmt.Errorf("push: marshal file_list: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO pushes (uid, project, created_by, commit_message, file_list, version_uid, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		uid, project, createdBy, commitMessage, fileListJSON, versionUID, string(initial), now)
	if err != nil {
		return Push{}, fmt.Errorf("push: insert: %w", err)
	}
	return Push{
		UID: uid, Project: project, CreatedBy: createdBy, CommitMessage: commitMessage,
		FileList: fileList, VersionUID: versionUID, Status: initial, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (r *PGRepository) GetPush(ctx context.Context, uid string) (Push, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT uid, project, created_by, commit_message, file_list, version_uid, status, progress,
       message, error_details, created_at, updated_at
FROM pushes WHERE uid = $1`, uid)
	return scanPush(row)
}

func scanPush(row *sql.Row) (Push, bool, error) {
	var p Push
	var status string
	var fileListJSON []byte
	err := row.Scan(&p.UID, &p.Project, &p.CreatedBy, &p.CommitMessage, &fileListJSON, &p.VersionUID,
		&status, &p.Progress, &p.Message, &p.ErrorDetails, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Push{}, false, nil
	}
	if err != nil {
		return Push{}, false, fmt.Errorf("push: scan: %w", err)
	}
	p.Status = PushStatus(status)
	if len(fileListJSON) > 0 {
		if err := json.Unmarshal(fileListJSON, &p.FileList); err != nil {
			return Push{}, false, fmt.Errorf("push: unmarshal file_list: %w", err)
		}
	}
	return p, true, nil
}

func (r *PGRepository) CompareAndSwapStatus(ctx context.Context, uid string, from, to PushStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pushes SET status = $1, updated_at = $2 WHERE uid = $3 AND status = $4`,
		string(to), time.Now().UTC(), uid, string(from))
	if err != nil {
		return false, fmt.Errorf("push: cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("push: rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *PGRepository) SetVersionUID(ctx context.Context, uid, versionUID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pushes SET version_uid = $1 WHERE uid = $2`, versionUID, uid)
	if err != nil {
		return fmt.Errorf("push: set version uid: %w", err)
	}
	return nil
}

func (r *PGRepository) UpdateProgress(ctx context.Context, uid string, progress int, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pushes SET progress = $1, message = $2, updated_at = $3 WHERE uid = $4`,
		progress, message, time.Now().UTC(), uid)
	if err != nil {
		return fmt.Errorf("push: update progress: %w", err)
	}
	return nil
}

// Finish records a push's terminal outcome. See MemRepository.Finish
// for why a transition to the status already recorded is allowed
// while a transition to a different terminal status is rejected.
func (r *PGRepository) Finish(ctx context.Context, uid string, status PushStatus, message, errorDetails string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE pushes SET status = $1, progress = 100, message = $2, error_details = $3, updated_at = $4
WHERE uid = $5 AND (status NOT IN ('done', 'failed', 'rejected', 'cancelled') OR status = $1)`,
		string(status), message, errorDetails, time.Now().UTC(), uid)
	if err != nil {
		return fmt.Errorf("push: finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("push: rows affected: %w", err)
	}
	if n == 0 {
		var current string
		if scanErr := r.db.QueryRowContext(ctx, `SELECT status FROM pushes WHERE uid = $1`, uid).Scan(&current); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return pusherr.Wrapf(pusherr.ErrNotFound, "push: %s not found", uid)
			}
			return fmt.Errorf("push: finish: check current status: %w", scanErr)
		}
		return pusherr.Wrapf(pusherr.ErrInvalidState, "push: %s is already %s", uid, current)
	}
	return nil
}
