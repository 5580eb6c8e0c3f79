package service

import (
	"fmt"
	"slices"
	"strings"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"gonum.org/v1/gonum/mat"
)

// 参数层名
const (
	LayerChannelScale   = "backbone.channel_scale"
	LayerLevelMix       = "decoder.level_mix"
	LayerColorScale     = "decoder.color_scale"
	LayerGranularityMix = "decoder.granularity_proj"
	LayerRadiusBias     = "decoder.radius_bias"
	LayerNegWeight      = "decoder.neg_weight"
	LayerGain           = "decoder.gain"
	LayerBias           = "decoder.bias"
)

// Params 按层名索引的参数矩阵
type Params map[string]*mat.Dense

// DefaultBaseParams 冻结的 backbone 参数
func DefaultBaseParams() Params {
	return Params{
		LayerChannelScale: mat.NewDense(1, 3, []float64{1, 1, 1}),
	}
}

// DefaultAdapterParams 解码器 adapter 参数，condDim 为粒度条件向量维度
func DefaultAdapterParams(condDim int) Params {
	proj := make([]float64, condDim)
	proj[0] = 3
	return Params{
		LayerLevelMix:       mat.NewDense(1, 4, []float64{1, 0.5, 0, -0.5}),
		LayerColorScale:     mat.NewDense(1, 1, []float64{4}),
		LayerGranularityMix: mat.NewDense(1, condDim, proj),
		LayerRadiusBias:     mat.NewDense(1, 1, []float64{-2}),
		LayerNegWeight:      mat.NewDense(1, 1, []float64{1.5}),
		LayerGain:           mat.NewDense(1, 1, []float64{10}),
		LayerBias:           mat.NewDense(1, 1, []float64{-5}),
	}
}

// Names 排序后的层名
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = mat.DenseCopyOf(v)
	}
	return out
}

// Merge 合并两组参数，o 中的同名层覆盖 p
func (p Params) Merge(o Params) Params {
	out := make(Params, len(p)+len(o))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Scalar 取 1x1 层的值，缺失时返回 def
func (p Params) Scalar(name string, def float64) float64 {
	m, ok := p[name]
	if !ok {
		return def
	}
	return m.At(0, 0)
}

// Row 取单行层的数据
func (p Params) Row(name string) []float64 {
	m, ok := p[name]
	if !ok {
		return nil
	}
	return mat.Row(nil, 0, m)
}

// Size 参数总数
func (p Params) Size() int {
	n := 0
	for _, m := range p {
		r, c := m.Dims()
		n += r * c
	}
	return n
}

// CheckShapes 校验 next 与 current 的层名和形状完全一致
func CheckShapes(current, next Params) error {
	for _, name := range current.Names() {
		want := current[name]
		got, ok := next[name]
		if !ok {
			return &model.AdapterLoadError{Layer: name, Err: fmt.Errorf("missing layer")}
		}
		wr, wc := want.Dims()
		gr, gc := got.Dims()
		if wr != gr || wc != gc {
			return &model.AdapterLoadError{Layer: name, Want: [2]int{wr, wc}, Got: [2]int{gr, gc}}
		}
	}
	for _, name := range next.Names() {
		if _, ok := current[name]; !ok {
			return &model.AdapterLoadError{Layer: name, Err: fmt.Errorf("unexpected layer")}
		}
	}
	return nil
}

// TrainableNames 按配置的分组挑选可训练层；分组为层名前缀，adapter 关闭时为空
func TrainableNames(p Params, cfg *config.AdapterConfig) []string {
	if !cfg.Enabled {
		return nil
	}
	var out []string
	for _, name := range p.Names() {
		for _, g := range cfg.TrainableGroups {
			if name == g || strings.HasPrefix(name, g+".") {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

func (p Params) layerLen(name string) int {
	r, c := p[name].Dims()
	return r * c
}
