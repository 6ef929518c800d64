package engine

import (
	"encoding/binary"
	"math"
)

// Float32ToFloat16 encodes f as IEEE-754 binary16, rounding on the first
// dropped mantissa bit. Values below the smallest subnormal flush to signed
// zero, values above the largest finite half flush to signed infinity.
func Float32ToFloat16(f float32) uint16 {
	x := math.Float32bits(f)
	bits := uint16((x >> 16) & 0x8000)
	m := (x >> 12) & 0x07ff
	e := (x >> 23) & 0xff

	if e < 103 {
		return bits
	}
	if e > 142 {
		bits |= 0x7c00
		if e == 255 && x&0x007fffff != 0 {
			bits |= 0x0200
		}
		return bits
	}
	if e < 113 {
		m |= 0x0800
		bits |= uint16((m >> (114 - e)) + ((m >> (113 - e)) & 1))
		return bits
	}
	bits |= uint16(((e - 112) << 10) | (m >> 1))
	bits += uint16(m & 1)
	return bits
}

func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x03ff)

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		for mant&0x0400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x03ff
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}

func ToFloat16(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = Float32ToFloat16(v)
	}
	return out
}

func Float16Bytes(src []uint16) []byte {
	out := make([]byte, 2*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func Float16FromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}
