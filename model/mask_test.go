package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rect(w, h, x0, y0, x1, y1 int) *Mask {
	m := NewMask(w, h)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.Set(x, y, true)
		}
	}
	return m
}

func TestMaskSetOperations(t *testing.T) {
	a := rect(8, 8, 0, 0, 4, 4)
	b := rect(8, 8, 2, 2, 6, 6)

	assert.Equal(t, 16, a.Area())
	assert.Equal(t, 4, a.Intersect(b).Area())
	assert.Equal(t, 28, a.Union(b).Area())
	assert.Equal(t, 12, a.Subtract(b).Area())
	assert.InDelta(t, 4.0/28.0, a.IoU(b), 1e-12)
	assert.Equal(t, BBox{X: 2, Y: 2, Width: 4, Height: 4}, b.BoundingBox())
}

func TestMaskIoUOfEmptyMasks(t *testing.T) {
	assert.Equal(t, 1.0, NewMask(4, 4).IoU(NewMask(4, 4)))
	assert.Equal(t, 0.0, NewMask(4, 4).IoU(rect(4, 4, 0, 0, 1, 1)))
}

func TestMaskSubset(t *testing.T) {
	outer := rect(6, 6, 0, 0, 6, 6)
	inner := rect(6, 6, 1, 1, 3, 3)

	assert.True(t, inner.IsSubsetOf(outer))
	assert.True(t, inner.IsStrictSubsetOf(outer))
	assert.True(t, outer.IsSubsetOf(outer))
	assert.False(t, outer.IsStrictSubsetOf(outer))
	assert.False(t, outer.IsSubsetOf(inner))
	assert.False(t, inner.IsSubsetOf(rect(5, 5, 0, 0, 5, 5)))
}

func TestMaskBase64PNG(t *testing.T) {
	m := rect(7, 5, 1, 1, 4, 3)
	enc, err := m.EncodeBase64PNG()
	require.NoError(t, err)

	got, err := DecodeBase64PNG(enc)
	require.NoError(t, err)
	assert.True(t, got.Equal(m))

	_, err = DecodeBase64PNG("not-base64!")
	assert.Error(t, err)
}

func TestProbMapBinarize(t *testing.T) {
	p := NewProbMap(3, 1)
	p.Pix = []float64{0.2, 0.5, 0.9}
	m := p.Binarize(0.5)
	assert.Equal(t, []uint8{0, 0, 1}, m.Pix)
}

func TestClampGranularity(t *testing.T) {
	assert.Equal(t, 0.0, ClampGranularity(-0.3))
	assert.Equal(t, 1.0, ClampGranularity(1.7))
	assert.Equal(t, 0.4, ClampGranularity(0.4))
}
