package service

import (
	"context"
	"fmt"
	"image"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/lucasb-eyer/go-colorful"
)

// Backbone 特征提取接口，冻结权重下输出确定
type Backbone interface {
	ExtractFeatures(ctx context.Context, img image.Image) (*model.FeaturePyramid, error)
}

var pyramidStrides = [4]int{4, 8, 16, 32}

// LabBackbone 参考实现：CIE-Lab 颜色的四层平均池化金字塔
type LabBackbone struct {
	scale [3]float64
}

// NewLabBackbone 由冻结参数构建，缺省的层使用默认值
func NewLabBackbone(base Params) (*LabBackbone, error) {
	b := &LabBackbone{scale: [3]float64{1, 1, 1}}
	if m, ok := base[LayerChannelScale]; ok {
		r, c := m.Dims()
		if r != 1 || c != 3 {
			return nil, fmt.Errorf("%s: shape %dx%d, want 1x3", LayerChannelScale, r, c)
		}
		for i := 0; i < 3; i++ {
			b.scale[i] = m.At(0, i)
		}
	}
	return b, nil
}

func (b *LabBackbone) ExtractFeatures(ctx context.Context, img image.Image) (*model.FeaturePyramid, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	// 全分辨率 Lab，按通道缩放
	lab := make([]float32, w*h*3)
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			c := colorful.Color{
				R: float64(r) / 65535.0,
				G: float64(g) / 65535.0,
				B: float64(bl) / 65535.0,
			}
			l, a, bb := c.Lab()
			off := (y*w + x) * 3
			lab[off] = float32(l * b.scale[0])
			lab[off+1] = float32(a * b.scale[1])
			lab[off+2] = float32(bb * b.scale[2])
		}
	}

	fp := &model.FeaturePyramid{ImageW: w, ImageH: h}
	for li, stride := range pyramidStrides {
		fp.Levels[li] = poolFeatures(lab, w, h, stride)
	}
	return fp, nil
}

func poolFeatures(lab []float32, w, h, stride int) model.FeatureMap {
	fw := (w + stride - 1) / stride
	fh := (h + stride - 1) / stride
	fm := model.NewFeatureMap(fw, fh, 3, stride)
	counts := make([]int, fw*fh)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cell := (y/stride)*fw + x/stride
			off := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				fm.Data[cell*3+c] += lab[off+c]
			}
			counts[cell]++
		}
	}
	for cell, n := range counts {
		if n == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			fm.Data[cell*3+c] /= float32(n)
		}
	}
	return fm
}
