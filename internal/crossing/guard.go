package crossing

import (
	"math"
	"time"
)

// GuardConfig holds the double-count guard thresholds.
type GuardConfig struct {
	IndividualCooldown  time.Duration // per track, after an accepted crossing
	MinCrossingTime     time.Duration // proximity window in time
	MinCrossingDistance float64       // proximity window in pixels
	GlobalCooldown      time.Duration // across all tracks
	PositionHistoryTTL  time.Duration
}

// DefaultGuardConfig returns the deployed guard thresholds.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		IndividualCooldown:  2 * time.Second,
		MinCrossingTime:     1500 * time.Millisecond,
		MinCrossingDistance: 30,
		GlobalCooldown:      200 * time.Millisecond,
		PositionHistoryTTL:  5 * time.Second,
	}
}

// RejectReason names the guard check that rejected a crossing.
type RejectReason string

const (
	RejectCooldown  RejectReason = "individual_cooldown"
	RejectProximity RejectReason = "position_proximity"
	RejectGlobal    RejectReason = "global_cooldown"
)

// Verdict is the outcome of Guard.Check. A crossing is accepted only if no
// check rejects it.
type Verdict struct {
	Accepted bool
	Reasons  []RejectReason
}

type mark struct {
	pos float64
	at  time.Time
}

// Guard enforces at most one accepted crossing per physical pass. It is not
// safe for concurrent use; Engine serializes access.
type Guard struct {
	cfg           GuardConfig
	cooldownUntil map[int64]time.Time
	lastCrossing  map[int64]mark
	lastAccepted  time.Time
}

// NewGuard creates a Guard with the given thresholds.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{
		cfg:           cfg,
		cooldownUntil: make(map[int64]time.Time),
		lastCrossing:  make(map[int64]mark),
	}
}

// CooledDown reports whether id is inside its individual cooldown at now.
func (g *Guard) CooledDown(id int64, now time.Time) bool {
	until, ok := g.cooldownUntil[id]
	return ok && now.Before(until)
}

// Check runs all three checks for a candidate crossing of track id at pos.
// Every failing check is reported.
func (g *Guard) Check(id int64, pos float64, now time.Time) Verdict {
	var reasons []RejectReason
	if g.CooledDown(id, now) {
		reasons = append(reasons, RejectCooldown)
	}
	if m, ok := g.lastCrossing[id]; ok {
		if math.Abs(pos-m.pos) <= g.cfg.MinCrossingDistance && now.Sub(m.at) <= g.cfg.MinCrossingTime {
			reasons = append(reasons, RejectProximity)
		}
	}
	if !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.cfg.GlobalCooldown {
		reasons = append(reasons, RejectGlobal)
	}
	return Verdict{Accepted: len(reasons) == 0, Reasons: reasons}
}

// Accept records an accepted crossing of track id at pos.
func (g *Guard) Accept(id int64, pos float64, now time.Time) {
	g.cooldownUntil[id] = now.Add(g.cfg.IndividualCooldown)
	g.lastCrossing[id] = mark{pos: pos, at: now}
	g.lastAccepted = now
}

// Sweep drops expired cooldowns and position history.
func (g *Guard) Sweep(now time.Time) {
	for id, until := range g.cooldownUntil {
		if !now.Before(until) {
			delete(g.cooldownUntil, id)
		}
	}
	for id, m := range g.lastCrossing {
		if now.Sub(m.at) > g.cfg.PositionHistoryTTL {
			delete(g.lastCrossing, id)
		}
	}
}

// Reset forgets every cooldown and crossing.
func (g *Guard) Reset() {
	g.cooldownUntil = make(map[int64]time.Time)
	g.lastCrossing = make(map[int64]mark)
	g.lastAccepted = time.Time{}
}

// Size returns the number of cooldown and position-history entries held.
func (g *Guard) Size() (cooldowns, history int) {
	return len(g.cooldownUntil), len(g.lastCrossing)
}
