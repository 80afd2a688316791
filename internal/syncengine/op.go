package syncengine

import (
	"fmt"
	"time"
)

// Kind is the ledger mutation an Op performs.
type Kind string

const (
	// CreateRow finds or appends the open row for a session.
	CreateRow Kind = "create_row"
	// UpdateRow writes the current counters, creating the row if needed.
	UpdateRow Kind = "update_row"
	// FinalizeRow writes the end time and final counters. A session that
	// never got a row is appended as a closed row.
	FinalizeRow Kind = "finalize_row"
)

// Op is one pending ledger mutation. It carries everything needed to
// re-create its row so a retry never depends on an earlier op succeeding.
type Op struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	SessionKey string    `json:"session_key"`
	Identifier string    `json:"identifier"`
	Date       string    `json:"date"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitzero"`
	Loading    int       `json:"loading"`
	Rehab      int       `json:"rehab"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

func (op Op) String() string {
	return fmt.Sprintf("%s %s/%s loading=%d rehab=%d attempts=%d", op.Kind, op.Identifier, op.Date, op.Loading, op.Rehab, op.Attempts)
}
