package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/crossing.report/internal/ledger"
)

// ledger_rows stores times as unix milliseconds.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

func parseRef(ref string) (int64, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid row ref %q: %w", ref, err)
	}
	return id, nil
}

const rowColumns = `row_id, identifier, op_date, start_time, end_time, loading, rehab, batch`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(s scanner) (ledger.Row, error) {
	var (
		id    int64
		row   ledger.Row
		start int64
		end   sql.NullInt64
	)
	if err := s.Scan(&id, &row.Identifier, &row.Date, &start, &end, &row.Loading, &row.Rehab, &row.Batch); err != nil {
		return ledger.Row{}, err
	}
	row.Ref = strconv.FormatInt(id, 10)
	row.StartTime = time.UnixMilli(start)
	row.EndTime = fromMillis(end)
	return row, nil
}

// FindOpenRow returns the unfinalized row for (identifier, date).
func (db *DB) FindOpenRow(ctx context.Context, identifier, date string) (ledger.Row, error) {
	r := db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM ledger_rows
		 WHERE identifier = ? AND op_date = ? AND end_time IS NULL
		 ORDER BY row_id DESC LIMIT 1`, identifier, date)
	row, err := scanRow(r)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Row{}, ledger.ErrRowNotFound
	}
	if err != nil {
		return ledger.Row{}, fmt.Errorf("failed to query open row: %w", err)
	}
	return row, nil
}

// CountRows returns the number of rows for (identifier, date).
func (db *DB) CountRows(ctx context.Context, identifier, date string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_rows WHERE identifier = ? AND op_date = ?`,
		identifier, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// AppendRow inserts row. The unique open-row index rejects a second open
// row for the same identifier and day.
func (db *DB) AppendRow(ctx context.Context, row ledger.Row) (ledger.Row, error) {
	var end interface{}
	if !row.EndTime.IsZero() {
		end = toMillis(row.EndTime)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO ledger_rows (identifier, op_date, start_time, end_time, loading, rehab, batch)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.Identifier, row.Date, toMillis(row.StartTime), end, row.Loading, row.Rehab, row.Batch)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ledger.Row{}, fmt.Errorf("open row already exists for %s on %s: %w", row.Identifier, row.Date, err)
		}
		return ledger.Row{}, fmt.Errorf("failed to insert row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Row{}, err
	}
	row.Ref = strconv.FormatInt(id, 10)
	return row, nil
}

func (db *DB) updateRow(ctx context.Context, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrRowNotFound
	}
	return nil
}

// UpdateCounts sets the counters of row ref.
func (db *DB) UpdateCounts(ctx context.Context, ref string, loading, rehab int) error {
	id, err := parseRef(ref)
	if err != nil {
		return err
	}
	return db.updateRow(ctx,
		`UPDATE ledger_rows SET loading = ?, rehab = ?, updated_at = CURRENT_TIMESTAMP WHERE row_id = ?`,
		loading, rehab, id)
}

// FinalizeRow closes row ref with its end time and final counters.
func (db *DB) FinalizeRow(ctx context.Context, ref string, end time.Time, loading, rehab int) error {
	id, err := parseRef(ref)
	if err != nil {
		return err
	}
	return db.updateRow(ctx,
		`UPDATE ledger_rows SET end_time = ?, loading = ?, rehab = ?, updated_at = CURRENT_TIMESTAMP WHERE row_id = ?`,
		toMillis(end), loading, rehab, id)
}

// RecentRows returns up to limit rows, newest first.
func (db *DB) RecentRows(ctx context.Context, limit int) ([]ledger.Row, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM ledger_rows ORDER BY row_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SyncOutcome is one line of the sync audit log.
type SyncOutcome struct {
	OpID       string
	Kind       string
	Identifier string
	Outcome    string // "ok", "expired", "overflow"
	Attempts   int
	Err        string
	At         time.Time
}

// RecordSyncOutcome appends to the sync audit log.
func (db *DB) RecordSyncOutcome(ctx context.Context, o SyncOutcome) error {
	var errText interface{}
	if o.Err != "" {
		errText = o.Err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_log (op_id, kind, identifier, outcome, attempts, error, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.OpID, o.Kind, o.Identifier, o.Outcome, o.Attempts, errText, toMillis(o.At))
	if err != nil {
		return fmt.Errorf("failed to record sync outcome: %w", err)
	}
	return nil
}

// PruneSyncLog deletes audit lines older than before.
func (db *DB) PruneSyncLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_log WHERE logged_at < ?`, toMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ ledger.Ledger = (*DB)(nil)
