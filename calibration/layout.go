package calibration

import (
	iface "TrackDetServer/interface"
	"math"
)

// Corner marker ids of a layout calibration rectangle.
const (
	CornerTopLeft     = "rect-0"
	CornerBottomLeft  = "rect-1"
	CornerTopRight    = "rect-2"
	CornerBottomRight = "rect-3"
)

// Layout calibrates against the four corners of a rectangle of known size.
// Width or height may be zero when only one side was measured.
type Layout struct {
	Scale    Scale                     `json:"scale" yaml:"scale"`
	WidthMM  float64                   `json:"width" yaml:"width"`
	HeightMM float64                   `json:"height" yaml:"height"`
	Corners  map[string]iface.Position `json:"calibration" yaml:"calibration"`
}

// DPT averages every measurable edge and rounds to whole pixels.
func (l Layout) DPT() (float64, bool) {
	if l.WidthMM <= 0 && l.HeightMM <= 0 {
		return 0, false
	}
	gauge, ok := l.Scale.GaugeMM()
	if !ok {
		return 0, false
	}

	var dpts []float64
	edge := func(a, b string, sizeMM float64) {
		p, okA := l.Corners[a]
		q, okB := l.Corners[b]
		if !okA || !okB || sizeMM <= 0 {
			return
		}
		px := math.Hypot(p.X-q.X, p.Y-q.Y)
		dpts = append(dpts, px/sizeMM*gauge)
	}
	edge(CornerTopLeft, CornerTopRight, l.WidthMM)
	edge(CornerBottomLeft, CornerBottomRight, l.WidthMM)
	edge(CornerTopLeft, CornerBottomLeft, l.HeightMM)
	edge(CornerTopRight, CornerBottomRight, l.HeightMM)

	if len(dpts) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, d := range dpts {
		sum += d
	}
	return math.Round(sum / float64(len(dpts))), true
}
