package testutil

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/crossing.report/internal/ledger"
)

// MemoryLedger is an in-memory ledger.Ledger with fault injection. Set Err to
// make every call fail, or Block to make calls wait until it is closed or the
// context ends.
type MemoryLedger struct {
	mu    sync.Mutex
	rows  []ledger.Row
	err   error
	block chan struct{}
	calls map[string]int
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{calls: make(map[string]int)}
}

// SetErr makes every subsequent call return err. Pass nil to recover.
func (m *MemoryLedger) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Block makes subsequent calls wait. The returned func releases them.
func (m *MemoryLedger) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.block == ch {
				m.block = nil
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many times the named method was invoked. Names are
// "find", "count", "append", "update" and "finalize".
func (m *MemoryLedger) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// TotalCalls returns the number of calls across all methods.
func (m *MemoryLedger) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// Rows returns a copy of every stored row in insertion order.
func (m *MemoryLedger) Rows() []ledger.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Row(nil), m.rows...)
}

// Seed stores row as-is, assigning a ref if it has none.
func (m *MemoryLedger) Seed(row ledger.Row) ledger.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.Ref == "" {
		row.Ref = strconv.Itoa(len(m.rows) + 1)
	}
	m.rows = append(m.rows, row)
	return row
}

func (m *MemoryLedger) enter(ctx context.Context, name string) error {
	m.mu.Lock()
	m.calls[name]++
	block, err := m.block, m.err
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *MemoryLedger) FindOpenRow(ctx context.Context, identifier, date string) (ledger.Row, error) {
	if err := m.enter(ctx, "find"); err != nil {
		return ledger.Row{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Identifier == identifier && r.Date == date && r.Open() {
			return r, nil
		}
	}
	return ledger.Row{}, ledger.ErrRowNotFound
}

func (m *MemoryLedger) CountRows(ctx context.Context, identifier, date string) (int, error) {
	if err := m.enter(ctx, "count"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Identifier == identifier && r.Date == date {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) AppendRow(ctx context.Context, row ledger.Row) (ledger.Row, error) {
	if err := m.enter(ctx, "append"); err != nil {
		return ledger.Row{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row.Ref = strconv.Itoa(len(m.rows) + 1)
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *MemoryLedger) UpdateCounts(ctx context.Context, ref string, loading, rehab int) error {
	if err := m.enter(ctx, "update"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].Ref == ref && m.rows[i].Open() {
			m.rows[i].Loading = loading
			m.rows[i].Rehab = rehab
			return nil
		}
	}
	return ledger.ErrRowNotFound
}

func (m *MemoryLedger) FinalizeRow(ctx context.Context, ref string, end time.Time, loading, rehab int) error {
	if err := m.enter(ctx, "finalize"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].Ref == ref {
			m.rows[i].EndTime = end
			m.rows[i].Loading = loading
			m.rows[i].Rehab = rehab
			return nil
		}
	}
	return ledger.ErrRowNotFound
}

var _ ledger.Ledger = (*MemoryLedger)(nil)
