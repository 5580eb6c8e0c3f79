package service

import (
	"context"
	"fmt"
	"math"

	"github.com/TIANLI0/GranSeg/model"
)

// Decoder 掩码解码接口：共享 backbone 特征，每个粒度假设各解码一次
type Decoder interface {
	Decode(ctx context.Context, feats *model.FeaturePyramid, clicks model.ClickSequence, cond ConditioningVector, params Params) (*model.ProbMap, error)
}

// ClickAffinityDecoder 参考解码器：像素与点击之间的颜色/空间亲和度，
// 空间半径由粒度条件向量经 adapter 投影得到，粒度越大半径越大
type ClickAffinityDecoder struct{}

func NewClickAffinityDecoder() *ClickAffinityDecoder {
	return &ClickAffinityDecoder{}
}

func (d *ClickAffinityDecoder) Decode(ctx context.Context, feats *model.FeaturePyramid, clicks model.ClickSequence, cond ConditioningVector, params Params) (*model.ProbMap, error) {
	w, h := feats.ImageW, feats.ImageH
	out := model.NewProbMap(w, h)
	if clicks.Len() == 0 {
		return out, nil
	}

	proj := params.Row(LayerGranularityMix)
	if len(proj) != len(cond) {
		return nil, fmt.Errorf("%s has %d columns, conditioning has %d", LayerGranularityMix, len(proj), len(cond))
	}
	mix := softmax(params.Row(LayerLevelMix), len(feats.Levels))
	colorScale := params.Scalar(LayerColorScale, 4)
	negWeight := params.Scalar(LayerNegWeight, 1.5)
	gain := params.Scalar(LayerGain, 10)
	bias := params.Scalar(LayerBias, -5)

	z := params.Scalar(LayerRadiusBias, -2)
	for i := range cond {
		z += proj[i] * cond[i]
	}
	radius := softplus(z)
	invR2 := 1 / max(radius*radius, 1e-6)
	diag := math.Hypot(float64(w), float64(h))
	c2 := colorScale * colorScale

	mixed := mixFeatures(feats, mix)
	clickFeat := make([][3]float64, clicks.Len())
	for i, c := range clicks.Clicks {
		if c.X < 0 || c.X >= w || c.Y < 0 || c.Y >= h {
			return nil, fmt.Errorf("click %v: %w", c, model.ErrOutOfBounds)
		}
		off := (c.Y*w + c.X) * 3
		clickFeat[i] = [3]float64{mixed[off], mixed[off+1], mixed[off+2]}
	}

	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < w; x++ {
			off := (y*w + x) * 3
			pos, neg := 0.0, 0.0
			for i, c := range clicks.Clicks {
				dl := mixed[off] - clickFeat[i][0]
				da := mixed[off+1] - clickFeat[i][1]
				db := mixed[off+2] - clickFeat[i][2]
				sx := float64(x-c.X) / diag
				sy := float64(y-c.Y) / diag
				a := math.Exp(-(c2*(dl*dl+da*da+db*db) + (sx*sx+sy*sy)*invR2))
				if c.Positive {
					pos = max(pos, a)
				} else {
					neg = max(neg, a)
				}
			}
			out.Pix[y*w+x] = sigmoid(gain*(pos-negWeight*neg) + bias)
		}
	}
	return out, nil
}

// mixFeatures 按权重混合四层特征到全分辨率（最近邻上采样）
func mixFeatures(feats *model.FeaturePyramid, mix []float64) []float64 {
	w, h := feats.ImageW, feats.ImageH
	out := make([]float64, w*h*3)
	for li := range feats.Levels {
		fm := &feats.Levels[li]
		wt := mix[li]
		if wt == 0 {
			continue
		}
		for y := 0; y < h; y++ {
			fy := min(y/fm.Stride, fm.H-1)
			for x := 0; x < w; x++ {
				fx := min(x/fm.Stride, fm.W-1)
				v := fm.At(fx, fy)
				off := (y*w + x) * 3
				out[off] += wt * float64(v[0])
				out[off+1] += wt * float64(v[1])
				out[off+2] += wt * float64(v[2])
			}
		}
	}
	return out
}

func softmax(v []float64, n int) []float64 {
	out := make([]float64, n)
	if len(v) != n {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	m := math.Inf(-1)
	for _, x := range v {
		m = max(m, x)
	}
	sum := 0.0
	for i, x := range v {
		out[i] = math.Exp(x - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}
