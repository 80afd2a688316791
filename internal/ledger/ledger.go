// Package ledger defines the external record of sessions: one row per
// session, keyed by identifier and operational date.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRowNotFound is returned when no row matches a lookup.
var ErrRowNotFound = errors.New("ledger row not found")

// Layouts used for the date and time columns.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Row is one ledger row. Ref is assigned by the backend on append and is
// opaque to callers.
type Row struct {
	Ref        string    `json:"ref"`
	Identifier string    `json:"identifier"`
	Date       string    `json:"date"` // operational date, DateLayout
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitzero"`
	Loading    int       `json:"loading"`
	Rehab      int       `json:"rehab"`
	Batch      int       `json:"batch"` // kloter
}

// Open reports whether the row has not been finalized.
func (r Row) Open() bool { return r.EndTime.IsZero() }

// Total is the net count, loading minus rehab.
func (r Row) Total() int { return r.Loading - r.Rehab }

// Ledger is the external store. Every method may block on the network.
type Ledger interface {
	// FindOpenRow returns the open row for (identifier, date), or
	// ErrRowNotFound.
	FindOpenRow(ctx context.Context, identifier, date string) (Row, error)
	// CountRows returns how many rows exist for (identifier, date).
	CountRows(ctx context.Context, identifier, date string) (int, error)
	// AppendRow inserts a row and returns it with Ref set.
	AppendRow(ctx context.Context, row Row) (Row, error)
	// UpdateCounts sets the counters of an open row.
	UpdateCounts(ctx context.Context, ref string, loading, rehab int) error
	// FinalizeRow sets the end time and final counters.
	FinalizeRow(ctx context.Context, ref string, end time.Time, loading, rehab int) error
}

// FindOrCreate returns the open row for (identifier, date), appending a new
// one with the next batch ordinal if none exists. Retrying it after a
// partial failure never creates a second open row.
func FindOrCreate(ctx context.Context, l Ledger, identifier, date string, start time.Time, loading, rehab int) (Row, bool, error) {
	row, err := l.FindOpenRow(ctx, identifier, date)
	if err == nil {
		return row, false, nil
	}
	if !errors.Is(err, ErrRowNotFound) {
		return Row{}, false, fmt.Errorf("find open row: %w", err)
	}
	n, err := l.CountRows(ctx, identifier, date)
	if err != nil {
		return Row{}, false, fmt.Errorf("count rows: %w", err)
	}
	row, err = l.AppendRow(ctx, Row{
		Identifier: identifier,
		Date:       date,
		StartTime:  start,
		Loading:    loading,
		Rehab:      rehab,
		Batch:      n + 1,
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("append row: %w", err)
	}
	return row, true, nil
}

// Calendar maps timestamps onto operational days. A day starts at
// DayStart local time, so work just after midnight belongs to the shift
// that began the previous morning.
type Calendar struct {
	DayStart time.Duration
	Location *time.Location
}

// DefaultCalendar starts the operational day at 04:00 local time.
var DefaultCalendar = Calendar{DayStart: 4 * time.Hour, Location: time.Local}

// Date returns the operational date of t.
func (c Calendar) Date(t time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Add(-c.DayStart).Format(DateLayout)
}
