package crossing

import (
	"fmt"
	"time"
)

// Rect is an axis-aligned bounding box in pixels, (X1,Y1) top-left.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (r Rect) Width() float64  { return r.X2 - r.X1 }
func (r Rect) Height() float64 { return r.Y2 - r.Y1 }

// Center returns the centre point of the box.
func (r Rect) Center() (x, y float64) {
	return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2
}

// TrackedDetection is one tracked object in one frame, as supplied by the
// upstream tracker. TrackID is nil when the tracker has not assigned one.
type TrackedDetection struct {
	TrackID    *int64  `json:"track_id"`
	Confidence float64 `json:"confidence"`
	BBox       Rect    `json:"bbox"`
}

// AxisPosition returns the coordinate of the box centre along the crossing
// axis: x for vertical lines, y for horizontal lines.
func (d TrackedDetection) AxisPosition(o Orientation) float64 {
	cx, cy := d.BBox.Center()
	if o == Horizontal {
		return cy
	}
	return cx
}

// AreaFraction is the box area as a fraction of the frame area.
func (d TrackedDetection) AreaFraction(frameWidth, frameHeight int) float64 {
	if frameWidth <= 0 || frameHeight <= 0 {
		return 0
	}
	return d.BBox.Width() * d.BBox.Height() / float64(frameWidth*frameHeight)
}

// Frame is the detection list for one captured frame.
type Frame struct {
	Seq        uint64             `json:"seq"`
	Timestamp  time.Time          `json:"-"`
	Width      int                `json:"frame_width"`
	Height     int                `json:"frame_height"`
	Detections []TrackedDetection `json:"detections"`
}

// Orientation selects the crossing axis. A vertical line splits the frame
// into Left and Right; a horizontal line into Top and Bottom.
type Orientation string

const (
	Vertical   Orientation = "vertical"
	Horizontal Orientation = "horizontal"
)

// ParseOrientation accepts "vertical" or "horizontal".
func ParseOrientation(s string) (Orientation, error) {
	switch Orientation(s) {
	case Vertical, Horizontal:
		return Orientation(s), nil
	}
	return "", fmt.Errorf("unknown orientation %q", s)
}

// Toggle returns the other orientation.
func (o Orientation) Toggle() Orientation {
	if o == Horizontal {
		return Vertical
	}
	return Horizontal
}

// Band is the zone a track currently occupies relative to the line.
type Band int

const (
	BandNone Band = iota
	BandMiddle
	BandLeft
	BandRight
	BandTop
	BandBottom
)

func (b Band) String() string {
	switch b {
	case BandMiddle:
		return "middle"
	case BandLeft:
		return "left"
	case BandRight:
		return "right"
	case BandTop:
		return "top"
	case BandBottom:
		return "bottom"
	}
	return "none"
}

// Direction of a crossing. Forward is Left→Right or Top→Bottom.
type Direction int

const (
	Forward Direction = iota + 1
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	}
	return "unknown"
}

// direction returns the crossing direction for a transition between outer
// bands, or false if the pair is not a crossing.
func direction(from, to Band) (Direction, bool) {
	switch {
	case from == BandLeft && to == BandRight, from == BandTop && to == BandBottom:
		return Forward, true
	case from == BandRight && to == BandLeft, from == BandBottom && to == BandTop:
		return Backward, true
	}
	return 0, false
}

// Counter names one of the two session counters.
type Counter string

const (
	Loading Counter = "loading"
	Rehab   Counter = "rehab"
)

// DirectionMap assigns each crossing direction to a counter.
type DirectionMap struct {
	Forward  Counter
	Backward Counter
}

// DefaultDirectionMap counts Left→Right as rehab and Right→Left as loading.
var DefaultDirectionMap = DirectionMap{Forward: Rehab, Backward: Loading}

// Counter returns the counter a direction increments.
func (m DirectionMap) Counter(d Direction) Counter {
	if d == Forward {
		return m.Forward
	}
	return m.Backward
}

// CrossingEvent is an accepted crossing of the reference line.
type CrossingEvent struct {
	TrackID   int64
	Direction Direction
	Counter   Counter
	From      Band
	To        Band
	Position  float64 // pixels along the crossing axis
	Timestamp time.Time
}

func (e CrossingEvent) String() string {
	return fmt.Sprintf("track=%d %s->%s %s pos=%.1f", e.TrackID, e.From, e.To, e.Counter, e.Position)
}
