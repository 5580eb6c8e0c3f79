package service

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLabels(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	copy(img.Pix, []uint8{0, 1, 1, 3, 0, 3, 7, 7})
	path := filepath.Join(t.TempDir(), "scene.png")
	writePNG(t, path, img)
	return path
}

func TestEditedPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "scene_edited.png"), EditedPath(filepath.Join("data", "scene.png")))
	assert.Equal(t, "a_edited.png", EditedPath("a.jpg"))
}

func TestFilterLabelFileKeepsSelectedClasses(t *testing.T) {
	src := writeLabels(t)

	res, err := FilterLabelFile(src, []int{3}, "")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 7}, res.Classes)
	assert.Equal(t, []int{3}, res.Kept)
	assert.Equal(t, EditedPath(src), res.Output)

	img, err := utils.ReadImage(res.Output)
	require.NoError(t, err)
	out := model.LabelMapFromImage(img)
	assert.Equal(t, []uint16{0, 0, 0, 3, 0, 3, 0, 0}, out.Pix)
}

func TestFilterLabelFileDefaultsToAllClasses(t *testing.T) {
	src := writeLabels(t)
	out := filepath.Join(t.TempDir(), "all.png")

	res, err := FilterLabelFile(src, nil, out)
	require.NoError(t, err)
	assert.Equal(t, res.Classes, res.Kept)

	img, err := utils.ReadImage(out)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 1, 3, 0, 3, 7, 7}, model.LabelMapFromImage(img).Pix)
}

func TestFilterLabelFileRejectsUnknownClass(t *testing.T) {
	_, err := FilterLabelFile(writeLabels(t), []int{5}, "")
	assert.Error(t, err)

	_, err = FilterLabelFile(filepath.Join(t.TempDir(), "missing.png"), nil, "")
	assert.Error(t, err)
}
