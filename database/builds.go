package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBuildNotFound is returned for unknown run IDs.
var ErrBuildNotFound = errors.New("build not found")

const buildColumns = `
	id, run_id, iso_path, label, data_mode, boot_only, status, error,
	iso_size_bytes, upload_key, trace_id, started_at, finished_at, updated_at
`

// StartBuild records a build that is starting. Status is set to running.
func (d *DB) StartBuild(ctx context.Context, b *Build) error {
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now()
	}
	query := `
		INSERT INTO builds (run_id, iso_path, label, data_mode, boot_only, status, trace_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := d.db.ExecContext(ctx, query,
		b.RunID, b.ISOPath, b.Label, b.DataMode, b.BootOnly, BuildStatusRunning, nullString(b.TraceID), b.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record build %s: %w", b.RunID, err)
	}
	b.ID, _ = res.LastInsertId()
	b.Status = BuildStatusRunning
	return nil
}

// FinishBuild records the outcome of a running build.
func (d *DB) FinishBuild(ctx context.Context, runID, status, errMsg string, isoSize int64) error {
	query := `
		UPDATE builds
		SET status = ?, error = ?, iso_size_bytes = ?, finished_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`
	res, err := d.db.ExecContext(ctx, query, status, nullString(errMsg), isoSize, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish build %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// SetUploadKey records where the ISO of a build was uploaded.
func (d *DB) SetUploadKey(ctx context.Context, runID, key string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE builds SET upload_key = ?, updated_at = CURRENT_TIMESTAMP WHERE run_id = ?`, key, runID)
	if err != nil {
		return fmt.Errorf("failed to set upload key of %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// GetBuild returns the build of runID, or ErrBuildNotFound.
func (d *DB) GetBuild(ctx context.Context, runID string) (*Build, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE run_id = ?`, runID)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build %s: %w", runID, err)
	}
	return b, nil
}

// ListBuilds returns the most recent builds first. limit <= 0 returns all.
func (d *DB) ListBuilds(ctx context.Context, limit int) ([]*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds ORDER BY started_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.queryBuilds(ctx, query, args...)
}

// ListRunning returns builds that have not finished.
func (d *DB) ListRunning(ctx context.Context) ([]*Build, error) {
	return d.queryBuilds(ctx, `SELECT `+buildColumns+` FROM builds WHERE status = ? ORDER BY started_at`, BuildStatusRunning)
}

// MarkAbandoned marks a running build as abandoned. Finished builds are
// left alone; it reports whether a row changed.
func (d *DB) MarkAbandoned(ctx context.Context, runID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, finished_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND status = ?
	`, BuildStatusAbandoned, time.Now(), runID, BuildStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s abandoned: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) queryBuilds(ctx context.Context, query string, args ...interface{}) ([]*Build, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBuild(s scanner) (*Build, error) {
	var b Build
	var errMsg, uploadKey, traceID sql.NullString
	var finishedAt sql.NullTime
	err := s.Scan(
		&b.ID, &b.RunID, &b.ISOPath, &b.Label, &b.DataMode, &b.BootOnly, &b.Status, &errMsg,
		&b.ISOSizeBytes, &uploadKey, &traceID, &b.StartedAt, &finishedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Error = errMsg.String
	b.UploadKey = uploadKey.String
	b.TraceID = traceID.String
	if finishedAt.Valid {
		b.FinishedAt = &finishedAt.Time
	}
	return &b, nil
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, runID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
