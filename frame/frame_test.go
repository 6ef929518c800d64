package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Transfer(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	f := New(img)

	moved, err := f.Transfer()
	require.NoError(t, err)

	t.Run("old handle is consumed", func(t *testing.T) {
		assert.True(t, f.Consumed())
		err := f.View(func(*image.RGBA) error { return nil })
		assert.ErrorIs(t, err, ErrConsumed)
		_, err = f.Transfer()
		assert.ErrorIs(t, err, ErrConsumed)
	})

	t.Run("new handle owns pixels", func(t *testing.T) {
		assert.Equal(t, 4, moved.Width())
		assert.Equal(t, 3, moved.Height())
		err := moved.View(func(img *image.RGBA) error {
			assert.Equal(t, uint8(200), img.RGBAAt(1, 1).R)
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("release", func(t *testing.T) {
		moved.Release()
		moved.Release()
		assert.True(t, moved.Released())
		err := moved.View(func(*image.RGBA) error { return nil })
		assert.ErrorIs(t, err, ErrReleased)
	})
}

func TestFromImage_Offset(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 14, 12))
	src.Set(10, 10, color.RGBA{G: 99, A: 255})
	f := FromImage(src)
	assert.Equal(t, 4, f.Width())
	assert.Equal(t, 2, f.Height())
	_ = f.View(func(img *image.RGBA) error {
		assert.Equal(t, uint8(99), img.RGBAAt(0, 0).G)
		return nil
	})
}
