package control

import (
	"fmt"
	"sync"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/session"
)

// Tuner is the part of the crossing engine the control channel adjusts.
type Tuner interface {
	SetGeometry(crossing.Geometry)
	SetThresholds(crossing.Thresholds)
}

// SessionControl is the part of the session manager the control channel
// drives.
type SessionControl interface {
	Reset()
	Finalize(reason string) bool
	SetMode(session.Mode)
}

// Applier applies messages to the engine and session and persists the
// resulting runtime state.
type Applier struct {
	cfg     *config.Config
	path    string
	engine  Tuner
	session SessionControl
	logf    monitoring.Logger

	mu    sync.Mutex
	state config.RuntimeState
}

// NewApplier creates an Applier starting from st. If path is empty the state
// is kept in memory only.
func NewApplier(cfg *config.Config, st config.RuntimeState, path string, engine Tuner, sess SessionControl) *Applier {
	st.Clamp()
	return &Applier{
		cfg:     cfg,
		path:    path,
		engine:  engine,
		session: sess,
		state:   st,
		logf:    monitoring.Component("control"),
	}
}

func nudge(cur float64, m Message) float64 {
	if m.Value != nil {
		return *m.Value
	}
	return cur + *m.Delta
}

// Apply runs one message. Settings changes are clamped, pushed to the
// engine and saved; a save failure is returned but the change stays in
// effect.
func (a *Applier) Apply(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	switch m.Type {
	case Reset:
		a.session.Reset()
		a.logf("manual reset")
		return nil
	case Finish:
		if !a.session.Finalize(session.ReasonFinish) {
			a.logf("finish requested with no live session")
		}
		return nil
	case SetMode:
		a.session.SetMode(session.Mode(m.Mode))
		return nil
	}

	a.mu.Lock()
	st := a.state
	switch m.Type {
	case SetLine:
		st.LinePosition = nudge(st.LinePosition, m)
	case SetGap:
		st.Gap = nudge(st.Gap, m)
	case SetThreshold:
		st.ConfidenceThreshold = nudge(st.ConfidenceThreshold, m)
	case SetROI:
		st.ROI = *m.ROI
	case SetOrientation:
		st.Orientation = m.Orientation
	case ToggleOrientation:
		st.Orientation = string(crossing.Orientation(st.Orientation).Toggle())
	case ToggleDebugThreshold:
		st.DebugLowThreshold = !st.DebugLowThreshold
	}
	st.Clamp()
	a.state = st
	a.mu.Unlock()

	a.engine.SetGeometry(crossing.GeometryFromState(st))
	a.engine.SetThresholds(crossing.ThresholdsFromState(a.cfg, st))
	a.logf("applied %s: line=%.3f gap=%.3f orientation=%s conf=%.2f debug=%v",
		m, st.LinePosition, st.Gap, st.Orientation, st.ConfidenceThreshold, st.DebugLowThreshold)

	if err := a.save(st); err != nil {
		return fmt.Errorf("control %s applied but not saved: %w", m.Type, err)
	}
	return nil
}

func (a *Applier) save(st config.RuntimeState) error {
	if a.path == "" {
		return nil
	}
	return st.Save(a.path)
}

// Save writes the current state to disk.
func (a *Applier) Save() error {
	return a.save(a.State())
}

// State returns the current runtime state.
func (a *Applier) State() config.RuntimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
