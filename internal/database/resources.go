package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/catherinevee/cloudauditor/internal/discovery"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

var _ discovery.Sink = (*DB)(nil)

const upsertResource = `
	INSERT INTO resources
	(arn, resource_type, region, account_id, name, tags, configuration, relationships, source,
	 created_at, last_modified, discovered_at, last_seen_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(arn, resource_type, region, account_id) DO UPDATE SET
		name = excluded.name,
		tags = excluded.tags,
		configuration = excluded.configuration,
		relationships = excluded.relationships,
		source = excluded.source,
		created_at = excluded.created_at,
		last_modified = excluded.last_modified,
		last_seen_at = excluded.last_seen_at
`

// UpsertResources stores resources keyed by (arn, type, region, account).
// Repeated runs refresh existing rows instead of duplicating them.
func (db *DB) UpsertResources(ctx context.Context, resources []models.Resource) (int, error) {
	if len(resources) == 0 {
		return 0, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertResource)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range resources {
		tags, err := marshalJSON(r.Tags)
		if err != nil {
			return 0, err
		}
		configuration, err := marshalJSON(r.Configuration)
		if err != nil {
			return 0, fmt.Errorf("resource %s: %w", r.ARN, err)
		}
		relationships, err := marshalJSON(r.Relationships)
		if err != nil {
			return 0, err
		}

		if _, err := stmt.ExecContext(ctx,
			r.ARN, r.Type, r.Region, r.AccountID, r.Name,
			tags, configuration, relationships, r.Source.String(),
			formatTimePtr(r.CreatedAt), formatTimePtr(r.LastModified),
			now, now,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert %s: %w", r.ARN, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit resources: %w", err)
	}
	db.log.Debug("resources upserted")
	return len(resources), nil
}

// ResourceFilter narrows ListResources. Empty fields match everything.
type ResourceFilter struct {
	AccountID string
	Region    string
	Type      string
	Source    models.DiscoverySource
	Limit     int
}

// ListResources returns stored resources ordered by identity
func (db *DB) ListResources(ctx context.Context, f ResourceFilter) ([]models.Resource, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT arn, resource_type, region, account_id, name, tags, configuration, relationships,
		       source, created_at, last_modified
		FROM resources
	`
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	add("account_id", f.AccountID)
	add("region", f.Region)
	add("resource_type", f.Type)
	add("source", string(f.Source))

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY arn"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []models.Resource{}
	for rows.Next() {
		var (
			r                                  models.Resource
			name, tags, configuration, related sql.NullString
			source                             string
			createdAt, lastModified            sql.NullString
		)
		if err := rows.Scan(&r.ARN, &r.Type, &r.Region, &r.AccountID, &name, &tags, &configuration, &related,
			&source, &createdAt, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		r.Name = name.String
		r.Source = models.DiscoverySource(source)
		r.CreatedAt = parseTime(createdAt)
		r.LastModified = parseTime(lastModified)
		if err := unmarshalJSON(tags, &r.Tags); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(configuration, &r.Configuration); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(related, &r.Relationships); err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
