package model

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAndFilterClasses(t *testing.T) {
	l := NewLabelMap(4, 2)
	l.Pix = []uint16{0, 3, 3, 1, 0, 7, 1, 0}

	assert.Equal(t, []int{1, 3, 7}, ExtractClasses(l))

	f := FilterClasses(l, []int{3, 7})
	assert.Equal(t, []uint16{0, 3, 3, 0, 0, 7, 0, 0}, f.Pix)
	assert.Equal(t, []int{3, 7}, ExtractClasses(f))

	m := ExtractInstance(l, 1)
	assert.Equal(t, 2, m.Area())
	assert.True(t, m.At(3, 0))
	assert.True(t, m.At(2, 1))
}

func TestLabelMapFromPalettedImage(t *testing.T) {
	pal := color.Palette{color.Black, color.RGBA{R: 128, A: 255}, color.RGBA{G: 128, A: 255}}
	img := image.NewPaletted(image.Rect(0, 0, 2, 2), pal)
	img.SetColorIndex(1, 0, 1)
	img.SetColorIndex(0, 1, 2)

	l := LabelMapFromImage(img)
	assert.Equal(t, []uint16{0, 1, 2, 0}, l.Pix)
}

func TestLabelMapToImageRoundTrip(t *testing.T) {
	l := NewLabelMap(3, 1)
	l.Pix = []uint16{0, 5, 255}
	gray, ok := l.ToImage().(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, l.Pix, LabelMapFromImage(gray).Pix)

	l.Pix[0] = 300
	wide, ok := l.ToImage().(*image.Gray16)
	require.True(t, ok)
	assert.Equal(t, l.Pix, LabelMapFromImage(wide).Pix)
}
