// Package frame holds decoded bitmaps with single ownership.
//
// A Frame is owned by exactly one goroutine at a time. Handing a frame to
// another context is done with Transfer, which moves the pixel buffer into a
// new handle and leaves the old handle consumed: every later use of the old
// handle fails with ErrConsumed. The receiver must call Release once it is done.
package frame

import (
	"errors"
	"image"
	"image/draw"
	"sync"
	"time"
)

var (
	ErrReleased = errors.New("frame released")
	ErrConsumed = errors.New("frame ownership transferred")
)

type Frame struct {
	mu       sync.RWMutex
	img      *image.RGBA
	consumed bool

	Timestamp time.Time
	Seq       uint64
}

func New(img *image.RGBA) *Frame {
	return &Frame{img: img, Timestamp: time.Now()}
}

// FromImage copies any image into an owned RGBA frame.
func FromImage(src image.Image) *Frame {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return New(rgba)
	}
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	return New(rgba)
}

func (f *Frame) Width() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.img == nil {
		return 0
	}
	return f.img.Bounds().Dx()
}

func (f *Frame) Height() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.img == nil {
		return 0
	}
	return f.img.Bounds().Dy()
}

// View runs fn with read access to the pixels. The image must not be retained
// or modified by fn.
func (f *Frame) View(fn func(img *image.RGBA) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.consumed {
		return ErrConsumed
	}
	if f.img == nil {
		return ErrReleased
	}
	return fn(f.img)
}

// Transfer moves ownership of the pixel buffer into a new handle.
func (f *Frame) Transfer() (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed {
		return nil, ErrConsumed
	}
	if f.img == nil {
		return nil, ErrReleased
	}
	moved := &Frame{img: f.img, Timestamp: f.Timestamp, Seq: f.Seq}
	f.img = nil
	f.consumed = true
	return moved, nil
}

// Release drops the pixel buffer. Safe to call more than once and on consumed handles.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.img = nil
	f.mu.Unlock()
}

func (f *Frame) Released() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.img == nil
}

func (f *Frame) Consumed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.consumed
}
