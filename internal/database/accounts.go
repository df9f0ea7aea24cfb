package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// RegisterAccount inserts or re-registers an account. Re-registering
// replaces the role and resets the status to pending.
func (db *DB) RegisterAccount(ctx context.Context, accountID, name, roleARN string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO monitored_accounts (account_id, account_name, role_arn, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			account_name = COALESCE(NULLIF(excluded.account_name, ''), monitored_accounts.account_name),
			role_arn = excluded.role_arn,
			status = excluded.status,
			last_error = NULL
	`, accountID, name, roleARN, string(models.AccountPending), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to register account %s: %w", accountID, err)
	}
	return nil
}

// UpdateAccountStatus records the outcome of a role check
func (db *DB) UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus, lastErr string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE monitored_accounts
		SET status = ?, last_error = NULLIF(?, ''), last_verified_at = ?
		WHERE account_id = ?
	`, string(status), lastErr, formatTime(time.Now()), accountID)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

// ListAccounts returns registered accounts. Disabled accounts are included
// only when includeDisabled is set.
func (db *DB) ListAccounts(ctx context.Context, includeDisabled bool) ([]models.MonitoredAccount, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT account_id, account_name, role_arn, status, last_error, last_verified_at
		FROM monitored_accounts
	`
	var args []any
	if !includeDisabled {
		query += " WHERE status != ?"
		args = append(args, string(models.AccountDisabled))
	}
	query += " ORDER BY account_id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []models.MonitoredAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount returns one registered account
func (db *DB) GetAccount(ctx context.Context, accountID string) (models.MonitoredAccount, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT account_id, account_name, role_arn, status, last_error, last_verified_at
		FROM monitored_accounts WHERE account_id = ?
	`, accountID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MonitoredAccount{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (models.MonitoredAccount, error) {
	var (
		a             models.MonitoredAccount
		name, lastErr sql.NullString
		status        string
		verifiedAt    sql.NullString
	)
	if err := s.Scan(&a.AccountID, &name, &a.RoleARN, &status, &lastErr, &verifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Name = name.String
	a.Status = models.AccountStatus(status)
	a.LastError = lastErr.String
	a.LastVerifiedAt = parseTime(verifiedAt)
	return a, nil
}
