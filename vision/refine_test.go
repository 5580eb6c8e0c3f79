package vision

import (
	"testing"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func fillRect(m *model.Mask, x0, y0, x1, y1 int) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.Set(x, y, true)
		}
	}
}

func TestRefineRemovesSpeckle(t *testing.T) {
	m := model.NewMask(20, 20)
	fillRect(m, 2, 2, 12, 12)
	m.Set(17, 17, true)

	r := NewMaskRefiner(&config.RefineConfig{KernelSize: 3})
	out, err := r.Refine(m)
	require.NoError(t, err)

	assert.False(t, out.At(17, 17))
	assert.True(t, out.At(7, 7))
	assert.Greater(t, out.Area(), 80)
	assert.True(t, m.At(17, 17), "input must stay untouched")
}

func TestRefineKeepLargest(t *testing.T) {
	m := model.NewMask(20, 20)
	fillRect(m, 1, 1, 9, 9)
	fillRect(m, 13, 13, 17, 17)

	r := NewMaskRefiner(&config.RefineConfig{KernelSize: 1, KeepLargest: true})
	out, err := r.Refine(m)
	require.NoError(t, err)

	assert.True(t, out.At(4, 4))
	assert.False(t, out.At(15, 15))
	assert.True(t, out.IsSubsetOf(m))
}

func TestRefineEmptyMask(t *testing.T) {
	m := model.NewMask(8, 8)
	r := NewMaskRefiner(&config.RefineConfig{KernelSize: 3, KeepLargest: true})
	out, err := r.Refine(m)
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.NotSame(t, m, out)
}

func TestFromMatSizeMismatch(t *testing.T) {
	mat := gocv.NewMatWithSize(4, 5, gocv.MatTypeCV8U)
	defer mat.Close()

	_, err := fromMat(&mat, 4, 4)
	assert.Error(t, err)
}
