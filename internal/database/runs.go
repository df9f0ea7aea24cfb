package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// RecordRun stores the summary of a finished discovery run
func (db *DB) RecordRun(ctx context.Context, run models.RunRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	errs, err := marshalJSON(run.Errors)
	if err != nil {
		return err
	}
	status := "completed"
	if !run.Success {
		status = "completed_with_errors"
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO discovery_runs
		(run_id, account_id, started_at, completed_at, status, total_resources, resource_types, errors, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			completed_at = excluded.completed_at,
			status = excluded.status,
			total_resources = excluded.total_resources,
			resource_types = excluded.resource_types,
			errors = excluded.errors,
			duration_seconds = excluded.duration_seconds
	`,
		run.RunID, run.AccountID, formatTime(run.StartedAt), formatTime(run.CompletedAt), status,
		run.TotalResources, run.ResourceTypes, errs, run.Duration.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id, account_id, started_at, completed_at, status, total_resources, resource_types, errors, duration_seconds
		FROM discovery_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.RunRecord{}
	for rows.Next() {
		var (
			run                models.RunRecord
			account, errs      sql.NullString
			started, completed sql.NullString
			status             string
			seconds            sql.NullFloat64
		)
		if err := rows.Scan(&run.RunID, &account, &started, &completed, &status,
			&run.TotalResources, &run.ResourceTypes, &errs, &seconds); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.AccountID = account.String
		run.Success = status == "completed"
		if t := parseTime(started); t != nil {
			run.StartedAt = *t
		}
		if t := parseTime(completed); t != nil {
			run.CompletedAt = *t
		}
		run.Duration = time.Duration(seconds.Float64 * float64(time.Second))
		if err := unmarshalJSON(errs, &run.Errors); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run
func (db *DB) LatestRun(ctx context.Context) (models.RunRecord, error) {
	runs, err := db.ListRuns(ctx, 1)
	if err != nil {
		return models.RunRecord{}, err
	}
	if len(runs) == 0 {
		return models.RunRecord{}, ErrNotFound
	}
	return runs[0], nil
}
