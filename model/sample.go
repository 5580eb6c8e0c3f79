package model

import "image"

type CandidateSource int

const (
	SourcePredicted CandidateSource = iota
	SourceGroundTruth
)

func (s CandidateSource) String() string {
	if s == SourceGroundTruth {
		return "ground-truth"
	}
	return "predicted"
}

// MaskCandidate 某一粒度下的候选掩码，只在单步内使用
type MaskCandidate struct {
	Raster      *ProbMap
	Granularity float64
	Source      CandidateSource
}

// Mask 以 0.5 为阈值二值化
func (c MaskCandidate) Mask() *Mask {
	if c.Raster == nil {
		return nil
	}
	return c.Raster.Binarize(0.5)
}

// TrainingSample 一个训练样本，Tree 为空表示该图片没有提案
type TrainingSample struct {
	ImageID      string
	Image        image.Image
	Instance     int
	InstanceMask *Mask
	Tree         *PartTree
	Clicks       ClickSequence
	Granularity  float64
	Seed         int64
}

// FeatureMap 单层特征，Data 按 (y*W+x)*C+c 存储
type FeatureMap struct {
	W, H, C int
	Stride  int
	Data    []float32
}

func NewFeatureMap(w, h, c, stride int) FeatureMap {
	return FeatureMap{W: w, H: h, C: c, Stride: stride, Data: make([]float32, w*h*c)}
}

// At 第 (x,y) 个位置的特征向量
func (f *FeatureMap) At(x, y int) []float32 {
	off := (y*f.W + x) * f.C
	return f.Data[off : off+f.C]
}

// FeaturePyramid backbone 输出的四层多尺度特征
type FeaturePyramid struct {
	ImageW, ImageH int
	Levels         [4]FeatureMap
}
