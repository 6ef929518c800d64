// Package calibration turns a physical reference measured in an image into
// DPT (dots per track): the number of pixels spanned by one track gauge.
package calibration

import (
	iface "TrackDetServer/interface"
	"fmt"
	"math"
	"strings"
)

const StandardGaugeMM = 1435

// NotCalibrated is the DPT value used on the wire when no calibration exists.
const NotCalibrated = -1.0

type Scale string

const (
	ScaleG  Scale = "G"
	ScaleO  Scale = "O"
	ScaleS  Scale = "S"
	ScaleHO Scale = "HO"
	ScaleT  Scale = "T"
	ScaleN  Scale = "N"
	ScaleZ  Scale = "Z"
)

var scaleDenominators = map[Scale]float64{
	ScaleG:  25,
	ScaleO:  48,
	ScaleS:  64,
	ScaleHO: 87,
	ScaleT:  72,
	ScaleN:  160,
	ScaleZ:  96,
}

func ParseScale(s string) (Scale, error) {
	sc := Scale(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := scaleDenominators[sc]; !ok {
		return "", fmt.Errorf("unknown model scale %q", s)
	}
	return sc, nil
}

func (s Scale) Denominator() (float64, bool) {
	d, ok := scaleDenominators[s]
	return d, ok
}

// GaugeMM is the model track gauge in millimeters, about 16.49 for HO.
func (s Scale) GaugeMM() (float64, bool) {
	d, ok := s.Denominator()
	if !ok {
		return 0, false
	}
	return StandardGaugeMM / d, true
}

// Reference is a two point calibration: p1 and p2 are ReferenceDistanceMM apart
// on the physical layout.
type Reference struct {
	P1                  iface.Position `json:"p1" yaml:"p1"`
	P2                  iface.Position `json:"p2" yaml:"p2"`
	ReferenceDistanceMM float64        `json:"referenceDistanceMm" yaml:"referenceDistanceMm"`
	Scale               Scale          `json:"scale" yaml:"scale"`
}

// DPT reports false while the reference is incomplete: either point still at
// the origin default, a non-positive distance, or an unknown scale.
func (r Reference) DPT() (float64, bool) {
	return DotsPerTrack(r.P1, r.P2, r.ReferenceDistanceMM, r.Scale)
}

// WireDPT is DPT with the NotCalibrated sentinel for external consumers.
func (r Reference) WireDPT() float64 {
	if dpt, ok := r.DPT(); ok {
		return dpt
	}
	return NotCalibrated
}

func DotsPerTrack(p1, p2 iface.Position, referenceDistanceMM float64, scale Scale) (float64, bool) {
	if referenceDistanceMM <= 0 || math.IsNaN(referenceDistanceMM) {
		return 0, false
	}
	origin := iface.Position{}
	if p1 == origin || p2 == origin {
		return 0, false
	}
	gauge, ok := scale.GaugeMM()
	if !ok {
		return 0, false
	}
	pixels := math.Hypot(p2.X-p1.X, p2.Y-p1.Y)
	return pixels / referenceDistanceMM * gauge, true
}
