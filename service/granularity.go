package service

import (
	"math"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
)

// ConditioningVector 粒度条件向量，第 0 维为量化后的粒度本身
type ConditioningVector []float64

// Equal 逐元素比较
func (v ConditioningVector) Equal(o ConditioningVector) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// GranularityController 将粒度映射为监督目标和解码器条件
type GranularityController struct {
	store      *ProposalStore
	basisSize  int
	resolution float64
}

func NewGranularityController(store *ProposalStore, cfg *config.GranularityConfig) *GranularityController {
	res := cfg.Resolution
	if res <= 0 || res > 1 {
		res = 0.01
	}
	return &GranularityController{
		store:      store,
		basisSize:  max(0, cfg.BasisSize),
		resolution: res,
	}
}

// Dim 条件向量维度
func (gc *GranularityController) Dim() int {
	return 1 + 2*gc.basisSize
}

// Quantize 按配置分辨率量化粒度
func (gc *GranularityController) Quantize(g float64) float64 {
	g = model.ClampGranularity(g)
	steps := math.Round(g / gc.resolution)
	return model.ClampGranularity(steps * gc.resolution)
}

// Encode 固定傅里叶基展开：[g, sin(2^k·π·g), cos(2^k·π·g)]，纯函数
func (gc *GranularityController) Encode(g float64) ConditioningVector {
	q := gc.Quantize(g)
	out := make(ConditioningVector, gc.Dim())
	out[0] = q
	freq := math.Pi
	for k := 0; k < gc.basisSize; k++ {
		out[1+2*k] = math.Sin(freq * q)
		out[2+2*k] = math.Cos(freq * q)
		freq *= 2
	}
	return out
}

// TargetFor 查询提案库，返回该粒度下的真值候选掩码；
// 提案缺失时返回 ErrProposalNotFound，由调用方回退到完整实例掩码
func (gc *GranularityController) TargetFor(sample *model.TrainingSample, g float64) (model.MaskCandidate, error) {
	if gc.store == nil {
		return model.MaskCandidate{}, &model.ProposalNotFoundError{ImageID: sample.ImageID, Instance: sample.Instance}
	}
	node, err := gc.store.LookupInstance(sample.ImageID, sample.Instance, g)
	if err != nil {
		return model.MaskCandidate{}, err
	}
	return model.MaskCandidate{
		Raster:      node.Mask.ToProb(),
		Granularity: node.Granularity,
		Source:      model.SourceGroundTruth,
	}, nil
}

// WholeTarget 完整实例掩码作为真值
func WholeTarget(sample *model.TrainingSample) model.MaskCandidate {
	return model.MaskCandidate{
		Raster:      sample.InstanceMask.ToProb(),
		Granularity: 1.0,
		Source:      model.SourceGroundTruth,
	}
}
