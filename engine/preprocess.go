package engine

import (
	iface "TrackDetServer/interface"
	"image"
)

// ImageNet statistics, same as the training pipeline.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess lays the patch out as a [1, 3, H, W] channel-planar tensor,
// standardized per channel. FP16 sessions get the half encoded buffer.
func Preprocess(patch *image.RGBA, precision iface.Precision) iface.Tensor {
	b := patch.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := patch.Pix[y*patch.Stride:]
		for x := 0; x < w; x++ {
			px := row[4*x : 4*x+3]
			i := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				data[c*plane+i] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}

	t := iface.Tensor{Shape: []int64{1, 3, int64(h), int64(w)}}
	if precision == iface.FP16 {
		t.Half = ToFloat16(data)
	} else {
		t.Data = data
	}
	return t
}

func zeroTensor(size int, precision iface.Precision) iface.Tensor {
	return Preprocess(image.NewRGBA(image.Rect(0, 0, size, size)), precision)
}

func argmax(scores []float32) int {
	best := -1
	for i, s := range scores {
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best
}
