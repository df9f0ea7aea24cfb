package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// UpsertIAMEntities stores audited IAM entities keyed by (account, kind, name)
func (db *DB) UpsertIAMEntities(ctx context.Context, entities []models.IAMEntity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO iam_entities (account_id, kind, name, arn, entity_id, path, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, kind, name) DO UPDATE SET
			arn = excluded.arn,
			entity_id = excluded.entity_id,
			path = excluded.path,
			created_at = excluded.created_at,
			last_seen_at = excluded.last_seen_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare iam upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, e := range entities {
		if _, err := stmt.ExecContext(ctx, e.AccountID, string(e.Kind), e.Name, e.ARN, e.ID, e.Path, formatTimePtr(e.CreatedAt), now); err != nil {
			return 0, fmt.Errorf("failed to upsert %s %s: %w", e.Kind, e.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit iam entities: %w", err)
	}
	return len(entities), nil
}

// ListIAMEntities returns the stored entities of one account
func (db *DB) ListIAMEntities(ctx context.Context, accountID string) ([]models.IAMEntity, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT account_id, kind, name, arn, entity_id, path, created_at
		FROM iam_entities WHERE account_id = ? ORDER BY kind, name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iam entities: %w", err)
	}
	defer rows.Close()

	entities := []models.IAMEntity{}
	for rows.Next() {
		var (
			e                  models.IAMEntity
			kind               string
			arn, id, path, ctd sql.NullString
		)
		if err := rows.Scan(&e.AccountID, &kind, &e.Name, &arn, &id, &path, &ctd); err != nil {
			return nil, fmt.Errorf("failed to scan iam entity: %w", err)
		}
		e.Kind = models.IAMEntityKind(kind)
		e.ARN, e.ID, e.Path = arn.String, id.String, path.String
		e.CreatedAt = parseTime(ctd)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// UpsertInstances stores audited instances keyed by (account, region, id)
func (db *DB) UpsertInstances(ctx context.Context, instances []models.Instance) (int, error) {
	if len(instances) == 0 {
		return 0, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instances (account_id, region, instance_id, instance_type, state, private_ip, launch_time, tags, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, region, instance_id) DO UPDATE SET
			instance_type = excluded.instance_type,
			state = excluded.state,
			private_ip = excluded.private_ip,
			launch_time = excluded.launch_time,
			tags = excluded.tags,
			last_seen_at = excluded.last_seen_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare instance upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, in := range instances {
		tags, err := marshalJSON(in.Tags)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, in.AccountID, in.Region, in.InstanceID, in.InstanceType, in.State,
			in.PrivateIP, formatTimePtr(in.LaunchTime), tags, now); err != nil {
			return 0, fmt.Errorf("failed to upsert instance %s: %w", in.InstanceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit instances: %w", err)
	}
	return len(instances), nil
}

// ListInstances returns the stored instances of one account
func (db *DB) ListInstances(ctx context.Context, accountID string) ([]models.Instance, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT account_id, region, instance_id, instance_type, state, private_ip, launch_time, tags
		FROM instances WHERE account_id = ? ORDER BY region, instance_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []models.Instance{}
	for rows.Next() {
		var (
			in                           models.Instance
			typ, state, ip, launch, tags sql.NullString
		)
		if err := rows.Scan(&in.AccountID, &in.Region, &in.InstanceID, &typ, &state, &ip, &launch, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		in.InstanceType, in.State, in.PrivateIP = typ.String, state.String, ip.String
		in.LaunchTime = parseTime(launch)
		if err := unmarshalJSON(tags, &in.Tags); err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}
