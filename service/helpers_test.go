package service

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/stretchr/testify/require"
)

// rectMask [x0,x1) × [y0,y1) 为前景
func rectMask(w, h, x0, y0, x1, y1 int) *model.Mask {
	m := model.NewMask(w, h)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.Set(x, y, true)
		}
	}
	return m
}

// chainTree 单实例三层链：1.0 ⊃ 0.6 ⊃ 0.2
func chainTree(id string) *model.PartTree {
	return &model.PartTree{
		ImageID: id,
		W:       10,
		H:       10,
		Roots:   []int{0},
		Nodes: []model.PartNode{
			{Index: 0, Parent: -1, Children: []int{1}, Granularity: 1.0, Mask: rectMask(10, 10, 0, 0, 10, 10)},
			{Index: 1, Parent: 0, Children: []int{2}, Granularity: 0.6, Mask: rectMask(10, 10, 0, 0, 6, 10)},
			{Index: 2, Parent: 1, Granularity: 0.2, Mask: rectMask(10, 10, 0, 0, 2, 10)},
		},
	}
}

// twoToneImage 左半红、右半蓝
func twoToneImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, color.RGBA{R: 220, G: 30, B: 30, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 30, G: 30, B: 220, A: 255})
			}
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// writeDataset 在临时目录生成单张图片的数据集：实例 1 为左半，实例 2 为右下角
func writeDataset(t *testing.T, w, h int) string {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "img.png"), twoToneImage(w, h))

	labels := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch {
			case x < w/2:
				labels.Pix[y*w+x] = 1
			case y >= h/2:
				labels.Pix[y*w+x] = 2
			}
		}
	}
	writePNG(t, filepath.Join(dir, "labels.png"), labels)

	manifest := `{"entries": [{"image_id": "img", "image": "img.png", "labels": "labels.png"}]}`
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	return path
}

func testGranularityConfig() *config.GranularityConfig {
	return &config.GranularityConfig{BasisSize: 4, Resolution: 0.01}
}

func testSupervisorConfig() *config.SupervisorConfig {
	return &config.SupervisorConfig{
		Hypotheses:       3,
		SegWeight:        1,
		DiceWeight:       1,
		NestingWeight:    0.5,
		NestingTolerance: 0.05,
		RankingWeight:    0.1,
		RankingMargin:    0.05,
	}
}

// countingBackbone 统计 backbone 调用次数
type countingBackbone struct {
	Backbone
	calls atomic.Int32
}

func (b *countingBackbone) ExtractFeatures(ctx context.Context, img image.Image) (*model.FeaturePyramid, error) {
	b.calls.Add(1)
	return b.Backbone.ExtractFeatures(ctx, img)
}

func newTestModel(t *testing.T) (*SegModel, *countingBackbone) {
	t.Helper()
	lab, err := NewLabBackbone(DefaultBaseParams())
	require.NoError(t, err)
	bb := &countingBackbone{Backbone: lab}
	ctrl := NewGranularityController(nil, testGranularityConfig())
	return &SegModel{
		Backbone: bb,
		Decoder:  NewClickAffinityDecoder(),
		Ctrl:     ctrl,
		Adapter:  DefaultAdapterParams(ctrl.Dim()),
	}, bb
}
