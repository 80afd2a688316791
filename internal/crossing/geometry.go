package crossing

// ROI is the region of interest, centre and size as fractions of the frame.
type ROI struct {
	CenterX float64
	CenterY float64
	Width   float64
	Height  float64
}

// FullFrame is an ROI covering the whole frame.
var FullFrame = ROI{CenterX: 0.5, CenterY: 0.5, Width: 1, Height: 1}

// Geometry describes the reference line and detection area. All values are
// fractions of the frame extent so they survive resolution changes.
type Geometry struct {
	Orientation  Orientation
	LinePosition float64 // along the crossing axis
	Gap          float64 // total width of the middle dead zone
	ROI          ROI
}

// resolved is a Geometry in pixels for one frame size.
type resolved struct {
	orientation    Orientation
	band1, band2   float64
	x1, y1, x2, y2 float64 // ROI rectangle
}

func (g Geometry) resolve(width, height int) resolved {
	w, h := float64(width), float64(height)
	extent := w
	if g.Orientation == Horizontal {
		extent = h
	}
	line := g.LinePosition * extent
	half := g.Gap * extent / 2
	return resolved{
		orientation: g.Orientation,
		band1:       line - half,
		band2:       line + half,
		x1:          (g.ROI.CenterX - g.ROI.Width/2) * w,
		x2:          (g.ROI.CenterX + g.ROI.Width/2) * w,
		y1:          (g.ROI.CenterY - g.ROI.Height/2) * h,
		y2:          (g.ROI.CenterY + g.ROI.Height/2) * h,
	}
}

// classify places an axis position into a band. Positions exactly on a band
// edge belong to the middle.
func (r resolved) classify(pos float64) Band {
	switch {
	case pos < r.band1:
		if r.orientation == Horizontal {
			return BandTop
		}
		return BandLeft
	case pos > r.band2:
		if r.orientation == Horizontal {
			return BandBottom
		}
		return BandRight
	}
	return BandMiddle
}

func (r resolved) inROI(x, y float64) bool {
	return x >= r.x1 && x <= r.x2 && y >= r.y1 && y <= r.y2
}
