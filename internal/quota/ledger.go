// Package quota tracks monthly recording minutes per owner.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ledger decides whether an owner may spend more recording minutes
type Ledger interface {
	CheckAndReserve(ctx context.Context, ownerID string, minutes int) (bool, error)
}

// SQLiteLedger keeps monthly usage in the session database
type SQLiteLedger struct {
	db             *sql.DB
	monthlyMinutes int
	now            func() time.Time
}

// NewSQLiteLedger creates the usage table if needed. A limit of 0 disables enforcement.
func NewSQLiteLedger(db *sql.DB, monthlyMinutes int) (*SQLiteLedger, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS usage (
		owner_id TEXT NOT NULL,
		month TEXT NOT NULL,
		minutes INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, month)
	);`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}

	return &SQLiteLedger{
		db:             db,
		monthlyMinutes: monthlyMinutes,
		now:            time.Now,
	}, nil
}

// CheckAndReserve records minutes against the owner's current month if they fit.
// minutes == 0 only asks whether any headroom is left.
func (l *SQLiteLedger) CheckAndReserve(ctx context.Context, ownerID string, minutes int) (bool, error) {
	if minutes < 0 {
		return false, fmt.Errorf("minutes cannot be negative, got %d", minutes)
	}

	month := l.now().UTC().Format("2006-01")

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var used int
	err = tx.QueryRowContext(ctx,
		`SELECT minutes FROM usage WHERE owner_id = ? AND month = ?`, ownerID, month).Scan(&used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read usage: %w", err)
	}

	if l.monthlyMinutes > 0 {
		if minutes == 0 && used >= l.monthlyMinutes {
			return false, nil
		}
		if used+minutes > l.monthlyMinutes {
			return false, nil
		}
	}

	if minutes == 0 {
		return true, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage (owner_id, month, minutes) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, month) DO UPDATE SET minutes = minutes + excluded.minutes`,
		ownerID, month, minutes)
	if err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit usage: %w", err)
	}
	return true, nil
}

// Used returns the minutes recorded for the owner in the current month
func (l *SQLiteLedger) Used(ctx context.Context, ownerID string) (int, error) {
	var used int
	err := l.db.QueryRowContext(ctx, `SELECT minutes FROM usage WHERE owner_id = ? AND month = ?`,
		ownerID, l.now().UTC().Format("2006-01")).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return used, nil
}

// MinutesFor converts a session duration into billable minutes, rounding up
func MinutesFor(durationSeconds float64) int {
	if durationSeconds <= 0 {
		return 0
	}
	minutes := int(durationSeconds / 60)
	if float64(minutes*60) < durationSeconds {
		minutes++
	}
	return minutes
}
