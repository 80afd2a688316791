package crossing

import "time"

// TrackState is the per-track memory kept between frames.
type TrackState struct {
	Band       Band
	FramesSeen int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// TrackTable holds TrackState keyed by track ID. It is not safe for
// concurrent use; Engine serializes access.
type TrackTable struct {
	ttl    time.Duration
	tracks map[int64]*TrackState
}

// NewTrackTable creates a table that forgets tracks unseen for ttl.
func NewTrackTable(ttl time.Duration) *TrackTable {
	return &TrackTable{ttl: ttl, tracks: make(map[int64]*TrackState)}
}

// Observe returns the state for id, creating it on first sighting, and
// records a sighting at now.
func (t *TrackTable) Observe(id int64, now time.Time) *TrackState {
	st, ok := t.tracks[id]
	if !ok {
		st = &TrackState{FirstSeen: now}
		t.tracks[id] = st
	}
	st.FramesSeen++
	st.LastSeen = now
	return st
}

// Get returns the state for id, if any.
func (t *TrackTable) Get(id int64) (TrackState, bool) {
	st, ok := t.tracks[id]
	if !ok {
		return TrackState{}, false
	}
	return *st, true
}

// ClearBands forgets every track's band but keeps persistence counters.
func (t *TrackTable) ClearBands() {
	for _, st := range t.tracks {
		st.Band = BandNone
	}
}

// Sweep drops tracks not seen within the TTL and returns how many went.
func (t *TrackTable) Sweep(now time.Time) int {
	n := 0
	for id, st := range t.tracks {
		if now.Sub(st.LastSeen) > t.ttl {
			delete(t.tracks, id)
			n++
		}
	}
	return n
}

// Reset forgets all tracks.
func (t *TrackTable) Reset() {
	t.tracks = make(map[int64]*TrackState)
}

// Len returns the number of tracked IDs.
func (t *TrackTable) Len() int { return len(t.tracks) }
