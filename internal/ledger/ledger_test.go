package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memLedger is an in-memory Ledger used to exercise FindOrCreate.
type memLedger struct {
	mu      sync.Mutex
	rows    []Row
	findErr error
	calls   map[string]int
}

func (m *memLedger) hit(name string) {
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[name]++
}

func (m *memLedger) FindOpenRow(_ context.Context, identifier, date string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hit("find")
	if m.findErr != nil {
		return Row{}, m.findErr
	}
	for _, r := range m.rows {
		if r.Identifier == identifier && r.Date == date && r.Open() {
			return r, nil
		}
	}
	return Row{}, ErrRowNotFound
}

func (m *memLedger) CountRows(_ context.Context, identifier, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hit("count")
	n := 0
	for _, r := range m.rows {
		if r.Identifier == identifier && r.Date == date {
			n++
		}
	}
	return n, nil
}

func (m *memLedger) AppendRow(_ context.Context, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hit("append")
	row.Ref = string(rune('a' + len(m.rows)))
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *memLedger) UpdateCounts(context.Context, string, int, int) error { return nil }
func (m *memLedger) FinalizeRow(context.Context, string, time.Time, int, int) error {
	return nil
}

var start = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func TestFindOrCreateComputesBatch(t *testing.T) {
	l := &memLedger{rows: []Row{
		{Ref: "x", Identifier: "ABC123", Date: "2026-03-02", EndTime: start.Add(-time.Hour), Batch: 1},
		{Ref: "y", Identifier: "ABC123", Date: "2026-03-01", EndTime: start.Add(-24 * time.Hour), Batch: 1},
	}}

	row, created, err := FindOrCreate(context.Background(), l, "ABC123", "2026-03-02", start, 0, 0)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if !created {
		t.Error("expected a new row")
	}
	if row.Batch != 2 {
		t.Errorf("batch = %d, want 2", row.Batch)
	}
	if row.Ref == "" {
		t.Error("row ref not set")
	}
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	l := &memLedger{}
	first, _, err := FindOrCreate(context.Background(), l, "ABC123", "2026-03-02", start, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := FindOrCreate(context.Background(), l, "ABC123", "2026-03-02", start, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call must reuse the open row")
	}
	if first.Ref != second.Ref {
		t.Errorf("refs differ: %s vs %s", first.Ref, second.Ref)
	}
	if l.calls["append"] != 1 {
		t.Errorf("append called %d times", l.calls["append"])
	}
}

func TestFindOrCreatePropagatesLookupError(t *testing.T) {
	boom := errors.New("quota exceeded")
	l := &memLedger{findErr: boom}
	_, _, err := FindOrCreate(context.Background(), l, "ABC123", "2026-03-02", start, 0, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if l.calls["append"] != 0 {
		t.Error("must not append when the lookup failed")
	}
}

func TestCalendarDate(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	cal := Calendar{DayStart: 4 * time.Hour, Location: loc}
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 3, 2, 4, 0, 0, 0, loc), "2026-03-02"},
		{time.Date(2026, 3, 2, 3, 59, 59, 0, loc), "2026-03-01"},
		{time.Date(2026, 3, 2, 23, 0, 0, 0, loc), "2026-03-02"},
		{time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC), "2026-03-02"}, // 04:30 local
	}
	for _, tc := range cases {
		if got := cal.Date(tc.at); got != tc.want {
			t.Errorf("Date(%v) = %s, want %s", tc.at, got, tc.want)
		}
	}
}

func TestRowTotal(t *testing.T) {
	r := Row{Loading: 2, Rehab: 5}
	if r.Total() != -3 {
		t.Errorf("total = %d", r.Total())
	}
	if !r.Open() {
		t.Error("row without end time should be open")
	}
}
