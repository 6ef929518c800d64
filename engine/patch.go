package engine

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"image"
	"image/color"
	"math"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Background fills the parts of a patch that fall outside the source frame.
var Background = color.RGBA{A: 0xff}

// Region is the square of the source frame that a patch samples.
type Region struct {
	X0, Y0, Size float64
	Scale        float64
}

// SourceRegion centers a square on center so that resampling it to outputSize
// pixels brings the frame from sourceDPT to targetDPT.
func SourceRegion(center iface.Position, targetDPT, sourceDPT float64, outputSize int) (Region, bool) {
	if sourceDPT <= 0 || targetDPT <= 0 || outputSize <= 0 {
		return Region{}, false
	}
	scale := targetDPT / sourceDPT
	size := float64(outputSize) / scale
	return Region{
		X0:    center.X - size/2,
		Y0:    center.Y - size/2,
		Size:  size,
		Scale: scale,
	}, true
}

// ExtractPatch crops the region around center and resamples it into an
// outputSize x outputSize image. A frame released under our feet yields
// frame.ErrReleased, which callers drop.
func ExtractPatch(f *frame.Frame, center iface.Position, targetDPT, sourceDPT float64, outputSize int) (*image.RGBA, error) {
	region, ok := SourceRegion(center, targetDPT, sourceDPT, outputSize)
	if !ok {
		return nil, ErrNotCalibrated
	}
	dst := image.NewRGBA(image.Rect(0, 0, outputSize, outputSize))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: Background}, image.Point{}, draw.Src)

	err := f.View(func(src *image.RGBA) error {
		sr := src.Bounds()
		if region.Scale == 1 && region.X0 == math.Trunc(region.X0) && region.Y0 == math.Trunc(region.Y0) {
			// integer crop, copy pixels as they are
			dp := image.Pt(-int(region.X0), -int(region.Y0))
			draw.Copy(dst, dp, src, sr, draw.Src, nil)
			return nil
		}
		s := region.Scale
		s2d := f64.Aff3{
			s, 0, -s * region.X0,
			0, s, -s * region.Y0,
		}
		draw.BiLinear.Transform(dst, s2d, src, sr, draw.Src, nil)
		return nil
	})
	if err != nil {
		logger.Log().Debug("patch extraction skipped", zap.Error(err),
			zap.Float64("x", center.X), zap.Float64("y", center.Y))
		return nil, err
	}
	return dst, nil
}
