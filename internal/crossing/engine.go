// Package crossing turns per-frame tracked detections into directional line
// crossings.
//
// Each track is classified into a band on either side of a reference line.
// The middle band is a dead zone: a track inside it keeps the band it last
// occupied, so an object that wobbles on the line never counts. A move from
// one outer band to the other is a candidate crossing, which the Guard then
// accepts or rejects.
package crossing

import (
	"sync"
	"time"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/monitoring"
)

// Thresholds are the detection filters applied before classification.
type Thresholds struct {
	Confidence      float64
	MinAreaFraction float64
	MinPersistence  int
}

// Options configures an Engine.
type Options struct {
	Geometry     Geometry
	Thresholds   Thresholds
	Guard        GuardConfig
	TrackTTL     time.Duration
	Directions   DirectionMap
	ClearOnCount bool // forget the band after an accepted crossing
}

// DefaultOptions returns the deployed defaults.
func DefaultOptions() Options {
	return Options{
		Geometry: Geometry{
			Orientation:  Vertical,
			LinePosition: 0.5,
			Gap:          0.04,
			ROI:          ROI{CenterX: 0.5, CenterY: 0.5, Width: 0.9, Height: 0.9},
		},
		Thresholds:   Thresholds{Confidence: 0.25, MinAreaFraction: 0.001, MinPersistence: 1},
		Guard:        DefaultGuardConfig(),
		TrackTTL:     30 * time.Second,
		Directions:   DefaultDirectionMap,
		ClearOnCount: true,
	}
}

// GeometryFromState converts persisted runtime state into a Geometry.
func GeometryFromState(st config.RuntimeState) Geometry {
	o := Vertical
	if st.Orientation == string(Horizontal) {
		o = Horizontal
	}
	return Geometry{
		Orientation:  o,
		LinePosition: st.LinePosition,
		Gap:          st.Gap,
		ROI: ROI{
			CenterX: st.ROI.CenterX,
			CenterY: st.ROI.CenterY,
			Width:   st.ROI.Width,
			Height:  st.ROI.Height,
		},
	}
}

// ThresholdsFromState returns the active detection filters. The debug toggle
// swaps in the low confidence threshold.
func ThresholdsFromState(cfg *config.Config, st config.RuntimeState) Thresholds {
	conf := st.ConfidenceThreshold
	if st.DebugLowThreshold {
		conf = cfg.GetDebugConfidence()
	}
	return Thresholds{
		Confidence:      conf,
		MinAreaFraction: st.MinAreaFraction,
		MinPersistence:  cfg.GetMinPersistence(),
	}
}

// OptionsFromConfig builds Engine options from the service config and the
// persisted runtime state.
func OptionsFromConfig(cfg *config.Config, st config.RuntimeState) Options {
	return Options{
		Geometry:   GeometryFromState(st),
		Thresholds: ThresholdsFromState(cfg, st),
		Guard: GuardConfig{
			IndividualCooldown:  cfg.GetIndividualCooldown(),
			MinCrossingTime:     cfg.GetMinCrossingTime(),
			MinCrossingDistance: cfg.GetMinCrossingDistance(),
			GlobalCooldown:      cfg.GetGlobalCooldown(),
			PositionHistoryTTL:  cfg.GetPositionHistoryTTL(),
		},
		TrackTTL: cfg.GetTrackTTL(),
		Directions: DirectionMap{
			Forward:  Counter(cfg.GetForwardCounter()),
			Backward: Counter(cfg.GetBackwardCounter()),
		},
		ClearOnCount: cfg.GetClearOnCount(),
	}
}

// Stats counts frames, filtered detections and guard outcomes.
type Stats struct {
	Frames        uint64 `json:"frames"`
	Detections    uint64 `json:"detections"`
	LowConfidence uint64 `json:"low_confidence"`
	Degenerate    uint64 `json:"degenerate"`
	SmallArea     uint64 `json:"small_area"`
	OutsideROI    uint64 `json:"outside_roi"`
	NoTrackID     uint64 `json:"no_track_id"`
	CooledDown    uint64 `json:"cooled_down"`
	NotPersistent uint64 `json:"not_persistent"`
	Candidates    uint64 `json:"candidates"`
	Rejected      uint64 `json:"rejected"`
	Accepted      uint64 `json:"accepted"`
	Tracks        int    `json:"tracks"`
}

// Engine is the crossing state machine. One coarse lock covers the track
// table, the guard and the settings, so reconfiguration from the control
// channel never interleaves with a frame.
type Engine struct {
	mu           sync.Mutex
	geo          Geometry
	th           Thresholds
	dirs         DirectionMap
	clearOnCount bool
	tracks       *TrackTable
	guard        *Guard
	stats        Stats
	logf         monitoring.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		geo:          opts.Geometry,
		th:           opts.Thresholds,
		dirs:         opts.Directions,
		clearOnCount: opts.ClearOnCount,
		tracks:       NewTrackTable(opts.TrackTTL),
		guard:        NewGuard(opts.Guard),
		logf:         monitoring.Component("crossing"),
	}
}

// ProcessFrame evaluates one frame and returns the accepted crossings.
// Frames must be passed in arrival order.
func (e *Engine) ProcessFrame(f Frame) []CrossingEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := f.Timestamp
	e.stats.Frames++
	e.sweepLocked(now)

	if f.Width <= 0 || f.Height <= 0 {
		e.stats.Detections += uint64(len(f.Detections))
		e.stats.Degenerate += uint64(len(f.Detections))
		return nil
	}
	r := e.geo.resolve(f.Width, f.Height)

	var events []CrossingEvent
	for _, d := range f.Detections {
		e.stats.Detections++
		if d.Confidence < e.th.Confidence {
			e.stats.LowConfidence++
			continue
		}
		if d.BBox.Width() <= 0 || d.BBox.Height() <= 0 {
			e.stats.Degenerate++
			continue
		}
		if d.AreaFraction(f.Width, f.Height) < e.th.MinAreaFraction {
			e.stats.SmallArea++
			continue
		}
		if cx, cy := d.BBox.Center(); !r.inROI(cx, cy) {
			e.stats.OutsideROI++
			continue
		}
		if d.TrackID == nil {
			e.stats.NoTrackID++
			continue
		}
		id := *d.TrackID
		if e.guard.CooledDown(id, now) {
			e.stats.CooledDown++
			continue
		}

		st := e.tracks.Observe(id, now)
		if st.FramesSeen < e.th.MinPersistence {
			e.stats.NotPersistent++
			continue
		}

		pos := d.AxisPosition(r.orientation)
		band := r.classify(pos)
		if band == BandMiddle {
			continue
		}
		prev := st.Band
		st.Band = band
		if prev == BandNone || prev == band {
			continue
		}
		dir, ok := direction(prev, band)
		if !ok {
			continue
		}

		e.stats.Candidates++
		v := e.guard.Check(id, pos, now)
		if !v.Accepted {
			e.stats.Rejected++
			e.logf("ignored double count track=%d %s->%s reasons=%v", id, prev, band, v.Reasons)
			continue
		}
		e.guard.Accept(id, pos, now)
		if e.clearOnCount {
			st.Band = BandNone
		}
		e.stats.Accepted++
		events = append(events, CrossingEvent{
			TrackID:   id,
			Direction: dir,
			Counter:   e.dirs.Counter(dir),
			From:      prev,
			To:        band,
			Position:  pos,
			Timestamp: now,
		})
	}
	return events
}

func (e *Engine) sweepLocked(now time.Time) {
	e.guard.Sweep(now)
	e.tracks.Sweep(now)
}

// Sweep purges expired guard entries and stale tracks.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweepLocked(now)
}

// SetGeometry replaces the line geometry. Band memory is cleared when the
// orientation changes, since Left/Right and Top/Bottom do not compare.
func (e *Engine) SetGeometry(g Geometry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g.Orientation != e.geo.Orientation {
		e.tracks.ClearBands()
	}
	e.geo = g
}

// Geometry returns the current line geometry.
func (e *Engine) Geometry() Geometry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.geo
}

// SetThresholds replaces the detection filters.
func (e *Engine) SetThresholds(t Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.th = t
}

// Thresholds returns the current detection filters.
func (e *Engine) Thresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.th
}

// Reset forgets all per-track memory and guard history.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks.Reset()
	e.guard.Reset()
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Tracks = e.tracks.Len()
	return s
}
