// Package session owns the live counting session: which identifier the
// counts belong to, the two counters, and when the session starts and ends.
//
// Every ledger write is handed to a Submitter and never awaited, so a slow or
// dead ledger cannot delay a count.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/ledger"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/notify"
	"github.com/banshee-data/crossing.report/internal/syncengine"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// Status is the session lifecycle position.
type Status string

const (
	Idle       Status = "idle"
	Ready      Status = "ready"
	Active     Status = "active"
	Finalizing Status = "finalizing"
)

// Mode selects how sessions open.
type Mode string

const (
	// ModeScan counts only while a scanned identifier owns the session.
	ModeScan Mode = "scan"
	// ModeAuto opens an unidentified session on the first count.
	ModeAuto Mode = "auto"
)

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeScan, ModeAuto:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown session mode %q", s)
}

// Finalize reasons.
const (
	ReasonFinish     = "finish"
	ReasonRescan     = "rescan"
	ReasonSwitch     = "switch"
	ReasonInactivity = "inactivity"
)

// Submitter accepts ledger operations. *syncengine.Engine implements it.
type Submitter interface {
	Submit(op syncengine.Op)
}

// Options configures a Manager.
type Options struct {
	Mode              Mode
	Inactivity        time.Duration
	RescanConfirm     time.Duration
	RescanIgnore      time.Duration
	FinishSentinel    string
	UnknownIdentifier string
	Calendar          ledger.Calendar
	Clock             timeutil.Clock
}

// OptionsFromConfig returns Options populated from the service config.
func OptionsFromConfig(cfg *config.Config) Options {
	mode, err := ParseMode(cfg.GetSessionMode())
	if err != nil {
		mode = ModeScan
	}
	return Options{
		Mode:              mode,
		Inactivity:        cfg.GetInactivityTimeout(),
		RescanConfirm:     cfg.GetRescanConfirm(),
		RescanIgnore:      cfg.GetRescanIgnore(),
		FinishSentinel:    cfg.GetFinishSentinel(),
		UnknownIdentifier: cfg.GetUnknownIdentifier(),
		Calendar:          ledger.Calendar{DayStart: cfg.GetOperationalDayStart(), Location: cfg.GetLocation()},
	}
}

// Session is the live accounting unit.
type Session struct {
	ID           string
	Identifier   string
	Status       Status
	Date         string
	Loading      int
	Rehab        int
	StartTime    time.Time
	FirstScan    time.Time // zero for sessions opened by a count
	LastActivity time.Time
	HasRow       bool // a row write has been submitted
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	SessionID    string    `json:"session_id,omitempty"`
	Identifier   string    `json:"identifier,omitempty"`
	Status       Status    `json:"status"`
	Mode         Mode      `json:"mode"`
	Date         string    `json:"date,omitempty"`
	Loading      int       `json:"loading"`
	Rehab        int       `json:"rehab"`
	Total        int       `json:"total"`
	StartTime    time.Time `json:"start_time,omitzero"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// Summary describes a finalized session.
type Summary struct {
	Identifier string
	Date       string
	Reason     string
	Loading    int
	Rehab      int
	Start      time.Time
	End        time.Time
}

// Manager is the session state machine. All methods are safe for
// concurrent use; the state is guarded by one mutex.
type Manager struct {
	mu       sync.Mutex
	opts     Options
	clock    timeutil.Clock
	sync     Submitter
	notifier notify.Notifier
	logf     monitoring.Logger

	cur        *Session
	onReset    []func()
	onFinalize []func(Summary)
}

// NewManager creates an idle manager.
func NewManager(opts Options, sub Submitter, n notify.Notifier) *Manager {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Mode == "" {
		opts.Mode = ModeScan
	}
	if n == nil {
		n = notify.Discard
	}
	return &Manager{
		opts:     opts,
		clock:    opts.Clock,
		sync:     sub,
		notifier: n,
		logf:     monitoring.Component("session"),
	}
}

// OnReset registers fn to run whenever per-track memory must be cleared: on
// a new session, a finalize and a manual reset. fn runs without the manager
// lock held.
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

// OnFinalize registers fn to run after a session is finalized.
func (m *Manager) OnFinalize(fn func(Summary)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinalize = append(m.onFinalize, fn)
}

// Mode returns the current session mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Mode
}

// SetMode switches between scan and auto mode. A live session is kept.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.Mode != mode {
		m.logf("mode %s -> %s", m.opts.Mode, mode)
		m.opts.Mode = mode
	}
}

// afterUnlock collects side effects that must run once the lock is released.
type afterUnlock []func()

func (a afterUnlock) run() {
	for _, fn := range a {
		fn()
	}
}

func (m *Manager) resetHooks() afterUnlock {
	return append(afterUnlock(nil), m.onReset...)
}

// HandleScan processes one decoded identifier from the scanner.
func (m *Manager) HandleScan(id string, now time.Time) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	m.mu.Lock()
	var after afterUnlock
	defer func() {
		m.mu.Unlock()
		after.run()
	}()

	if id == m.opts.FinishSentinel {
		if m.cur == nil {
			m.logf("finish scanned with no live session")
			return
		}
		after = m.finalizeLocked(ReasonFinish, now)
		return
	}

	if m.cur != nil && m.cur.Identifier == id {
		since := now.Sub(m.cur.FirstScan)
		switch {
		case m.cur.FirstScan.IsZero():
			// The session was opened by a count; the scan claims it.
			m.cur.FirstScan = now
			m.logf("%s confirmed for the running session", id)
		case since < m.opts.RescanIgnore:
			m.logf("%s scanned again after %s, ignored", id, since.Round(time.Second))
		case since < m.opts.RescanConfirm:
			m.logf("%s scanned again, finish confirmation in %s", id, (m.opts.RescanConfirm - since).Round(time.Second))
		default:
			after = m.finalizeLocked(ReasonRescan, now)
		}
		return
	}

	if m.cur != nil {
		if m.cur.Loading > 0 || m.cur.Rehab > 0 || m.cur.HasRow {
			after = m.finalizeLocked(ReasonSwitch, now)
		} else {
			m.logf("discarding empty session %s", m.cur.Identifier)
			m.cur = nil
			after = m.resetHooks()
		}
	}

	if m.cur == nil && len(after) == 0 {
		after = m.resetHooks()
	}
	s := m.openLocked(id, Ready, now)
	s.FirstScan = now
	s.HasRow = true
	m.submitLocked(syncengine.CreateRow, s, time.Time{})
	after = append(after, func() {
		m.notifier.Notify(notify.Event{
			Kind:       notify.SessionStart,
			Identifier: s.Identifier,
			Text:       fmt.Sprintf("%s scanned and ready to count (date %s)", s.Identifier, s.Date),
			At:         now,
		})
	})
}

// HandleCrossing applies one accepted crossing and reports whether it was
// counted. In scan mode a crossing with no live session is dropped.
func (m *Manager) HandleCrossing(ev crossing.CrossingEvent) bool {
	now := ev.Timestamp
	if now.IsZero() {
		now = m.clock.Now()
	}

	m.mu.Lock()
	var after afterUnlock
	defer func() {
		m.mu.Unlock()
		after.run()
	}()

	if m.cur == nil {
		if m.opts.Mode != ModeAuto {
			m.logf("crossing %s with no scanned identifier, not counted", ev)
			return false
		}
		s := m.openLocked(m.opts.UnknownIdentifier, Active, now)
		after = append(after, func() {
			m.notifier.Notify(notify.Event{
				Kind:       notify.SessionStart,
				Identifier: s.Identifier,
				Text:       fmt.Sprintf("counting started without identifier (%s)", s.Identifier),
				At:         now,
			})
		})
	}

	s := m.cur
	switch ev.Counter {
	case crossing.Loading:
		s.Loading++
	case crossing.Rehab:
		s.Rehab++
	default:
		m.logf("crossing %s has no counter, ignored", ev)
		return false
	}
	if s.Status == Ready {
		s.Status = Active
	}
	s.LastActivity = now
	s.HasRow = true
	m.submitLocked(syncengine.UpdateRow, s, time.Time{})
	m.logf("%s %s: loading=%d rehab=%d total=%d", s.Identifier, ev.Counter, s.Loading, s.Rehab, s.Loading-s.Rehab)
	return true
}

// Tick finalizes a session that has counts but no crossing for the
// inactivity window. The end time is the last activity.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	var after afterUnlock
	defer func() {
		m.mu.Unlock()
		after.run()
	}()

	s := m.cur
	if s == nil || m.opts.Inactivity <= 0 {
		return
	}
	if s.Loading == 0 && s.Rehab == 0 {
		return
	}
	if now.Sub(s.LastActivity) >= m.opts.Inactivity {
		after = m.finalizeLocked(ReasonInactivity, s.LastActivity)
	}
}

// Finalize ends the live session, if any, and reports whether one ended.
func (m *Manager) Finalize(reason string) bool {
	m.mu.Lock()
	var after afterUnlock
	defer func() {
		m.mu.Unlock()
		after.run()
	}()
	if m.cur == nil {
		return false
	}
	after = m.finalizeLocked(reason, m.clock.Now())
	return true
}

// Reset zeroes the live counters and clears per-track memory without
// ending the session.
func (m *Manager) Reset() {
	m.mu.Lock()
	var after afterUnlock
	defer func() {
		m.mu.Unlock()
		after.run()
	}()
	if s := m.cur; s != nil {
		s.Loading, s.Rehab = 0, 0
		if s.HasRow {
			m.submitLocked(syncengine.UpdateRow, s, time.Time{})
		}
		m.logf("counters reset for %s", s.Identifier)
	}
	after = m.resetHooks()
}

// Flush submits the live counters without finalizing. The open row stays
// open across a restart.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.cur; s != nil && s.HasRow {
		m.submitLocked(syncengine.UpdateRow, s, time.Time{})
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Status: Idle, Mode: m.opts.Mode}
	if s := m.cur; s != nil {
		snap.SessionID = s.ID
		snap.Identifier = s.Identifier
		snap.Status = s.Status
		snap.Date = s.Date
		snap.Loading = s.Loading
		snap.Rehab = s.Rehab
		snap.Total = s.Loading - s.Rehab
		snap.StartTime = s.StartTime
		snap.LastActivity = s.LastActivity
	}
	return snap
}

func (m *Manager) openLocked(id string, status Status, now time.Time) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Identifier:   id,
		Status:       status,
		Date:         m.opts.Calendar.Date(now),
		StartTime:    now,
		LastActivity: now,
	}
	m.cur = s
	m.logf("session %s opened for %s (date %s)", s.ID, id, s.Date)
	return s
}

func (m *Manager) submitLocked(kind syncengine.Kind, s *Session, end time.Time) {
	if m.sync == nil {
		return
	}
	m.sync.Submit(syncengine.Op{
		Kind:       kind,
		SessionKey: s.ID,
		Identifier: s.Identifier,
		Date:       s.Date,
		Start:      s.StartTime,
		End:        end,
		Loading:    s.Loading,
		Rehab:      s.Rehab,
	})
}

// finalizeLocked moves the live session through Finalizing to Idle and
// returns the hooks to run after unlocking.
func (m *Manager) finalizeLocked(reason string, end time.Time) afterUnlock {
	s := m.cur
	s.Status = Finalizing
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	m.submitLocked(syncengine.FinalizeRow, s, end)
	m.cur = nil

	sum := Summary{
		Identifier: s.Identifier,
		Date:       s.Date,
		Reason:     reason,
		Loading:    s.Loading,
		Rehab:      s.Rehab,
		Start:      s.StartTime,
		End:        end,
	}
	m.logf("session %s for %s finalized (%s): loading=%d rehab=%d total=%d",
		s.ID, s.Identifier, reason, s.Loading, s.Rehab, s.Loading-s.Rehab)

	after := m.resetHooks()
	for _, fn := range m.onFinalize {
		after = append(after, func() { fn(sum) })
	}
	after = append(after, func() {
		m.notifier.Notify(notify.Event{
			Kind:       notify.SessionFinalized,
			Identifier: sum.Identifier,
			Text: fmt.Sprintf("%s finished (%s): loading=%d rehab=%d total=%d",
				sum.Identifier, reason, sum.Loading, sum.Rehab, sum.Loading-sum.Rehab),
			At: end,
		})
	})
	return after
}
