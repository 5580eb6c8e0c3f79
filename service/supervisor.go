package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
)

const lossEps = 1e-7

// HypothesisDiagnostics 单个粒度假设的诊断信息
type HypothesisDiagnostics struct {
	Granularity       float64 `json:"granularity"`
	TargetGranularity float64 `json:"target_granularity"`
	IoU               float64 `json:"iou"`
	SegLoss           float64 `json:"seg_loss"`
	Confidence        float64 `json:"confidence"`
	NestingViolation  int     `json:"nesting_violation"` // 与更粗假设不一致的像素数
}

// SupervisionResult 一个样本的组合损失
type SupervisionResult struct {
	Loss        float64                 `json:"loss"`
	SegLoss     float64                 `json:"seg_loss"`
	NestingLoss float64                 `json:"nesting_loss"`
	RankingLoss float64                 `json:"ranking_loss"`
	Fallback    bool                    `json:"fallback"`
	Hypotheses  []HypothesisDiagnostics `json:"hypotheses"`
}

// MeanIoU 各假设 IoU 均值
func (r *SupervisionResult) MeanIoU() float64 {
	if len(r.Hypotheses) == 0 {
		return 0
	}
	s := 0.0
	for _, h := range r.Hypotheses {
		s += h.IoU
	}
	return s / float64(len(r.Hypotheses))
}

// Supervisor 多掩码训练：一个样本展开 K 个粒度假设，共享 backbone 特征
type Supervisor struct {
	ctrl    *GranularityController
	decoder Decoder
	cfg     config.SupervisorConfig
}

func NewSupervisor(ctrl *GranularityController, decoder Decoder, cfg *config.SupervisorConfig) *Supervisor {
	c := *cfg
	if c.Hypotheses < 1 {
		c.Hypotheses = 1
	}
	return &Supervisor{ctrl: ctrl, decoder: decoder, cfg: c}
}

// SampleGranularities 分层采样 K-1 个粒度并加入样本目标粒度，升序返回
func (s *Supervisor) SampleGranularities(target float64, seed int64) []float64 {
	k := s.cfg.Hypotheses
	out := []float64{s.ctrl.Quantize(target)}
	if k <= 1 {
		return out
	}
	rng := rand.New(rand.NewSource(seed))
	strata := k - 1
	for i := 0; i < strata; i++ {
		lo := float64(i) / float64(strata)
		u := lo + rng.Float64()/float64(strata)
		out = append(out, s.ctrl.Quantize(u))
	}
	slices.Sort(out)
	return out
}

// Supervise 计算一个样本的组合损失；提案缺失时退化为单个完整实例假设
func (s *Supervisor) Supervise(ctx context.Context, sample *model.TrainingSample, feats *model.FeaturePyramid, params Params) (*SupervisionResult, error) {
	grans := s.SampleGranularities(sample.Granularity, sample.Seed)
	targets := make([]model.MaskCandidate, len(grans))
	fallback := false
	for i, g := range grans {
		t, err := s.ctrl.TargetFor(sample, g)
		if err != nil {
			if errors.Is(err, model.ErrProposalNotFound) {
				fallback = true
				break
			}
			return nil, err
		}
		targets[i] = t
	}
	if fallback {
		if sample.InstanceMask == nil {
			return nil, fmt.Errorf("sample %s has neither proposals nor an instance mask", sample.ImageID)
		}
		grans = []float64{1.0}
		targets = []model.MaskCandidate{WholeTarget(sample)}
	}

	preds := make([]model.MaskCandidate, len(grans))
	for i, g := range grans {
		prob, err := s.decoder.Decode(ctx, feats, sample.Clicks, s.ctrl.Encode(g), params)
		if err != nil {
			return nil, fmt.Errorf("decode hypothesis %d: %w", i, err)
		}
		preds[i] = model.MaskCandidate{Raster: prob, Granularity: g, Source: model.SourcePredicted}
	}

	res := &SupervisionResult{Fallback: fallback, Hypotheses: make([]HypothesisDiagnostics, len(grans))}
	for i := range preds {
		bce := BinaryCrossEntropy(preds[i].Raster, targets[i].Raster)
		dice := DiceLoss(preds[i].Raster, targets[i].Raster)
		seg := s.cfg.SegWeight*bce + s.cfg.DiceWeight*dice
		res.SegLoss += seg
		res.Hypotheses[i] = HypothesisDiagnostics{
			Granularity:       grans[i],
			TargetGranularity: targets[i].Granularity,
			IoU:               preds[i].Mask().IoU(targets[i].Mask()),
			SegLoss:           seg,
			Confidence:        Confidence(preds[i].Raster),
		}
	}
	res.SegLoss /= float64(len(preds))

	if !fallback && len(preds) > 1 {
		penalty, violations := NestingPenalty(preds, s.cfg.NestingTolerance)
		res.NestingLoss = penalty
		for i, v := range violations {
			res.Hypotheses[i].NestingViolation = v
		}
		if s.cfg.RankingWeight > 0 {
			res.RankingLoss = RankingLoss(res.Hypotheses, s.cfg.RankingMargin)
		}
	}

	res.Loss = res.SegLoss + s.cfg.NestingWeight*res.NestingLoss + s.cfg.RankingWeight*res.RankingLoss
	return res, nil
}

// NestingPenalty 对每对 g_i < g_j 的假设惩罚细粒度超出粗粒度的部分：
// Σ max(0, p_i − p_j − tol) / N。violations[i] 为假设 i 二值化后超出更粗假设的像素数
func NestingPenalty(preds []model.MaskCandidate, tol float64) (float64, []int) {
	violations := make([]int, len(preds))
	penalty := 0.0
	for i := range preds {
		fine := preds[i].Raster
		fineMask := fine.Binarize(0.5)
		for j := range preds {
			if preds[i].Granularity >= preds[j].Granularity {
				continue
			}
			coarse := preds[j].Raster
			sum := 0.0
			for p := range fine.Pix {
				sum += max(0, fine.Pix[p]-coarse.Pix[p]-tol)
			}
			penalty += sum / float64(len(fine.Pix))
			violations[i] += fineMask.Subtract(coarse.Binarize(0.5)).Area()
		}
	}
	return penalty, violations
}

// RankingLoss 成对 hinge：IoU 更高的假设置信度应至少高出 margin
func RankingLoss(hyps []HypothesisDiagnostics, margin float64) float64 {
	loss, pairs := 0.0, 0
	for i := range hyps {
		for j := range hyps {
			if hyps[i].IoU <= hyps[j].IoU {
				continue
			}
			loss += max(0, margin-(hyps[i].Confidence-hyps[j].Confidence))
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return loss / float64(pairs)
}

// BinaryCrossEntropy 逐像素二元交叉熵均值
func BinaryCrossEntropy(pred, target *model.ProbMap) float64 {
	sum := 0.0
	for i, p := range pred.Pix {
		p = max(lossEps, min(1-lossEps, p))
		t := target.Pix[i]
		sum -= t*math.Log(p) + (1-t)*math.Log(1-p)
	}
	return sum / float64(len(pred.Pix))
}

// DiceLoss 平滑 soft Dice 损失
func DiceLoss(pred, target *model.ProbMap) float64 {
	inter, ps, ts := 0.0, 0.0, 0.0
	for i, p := range pred.Pix {
		t := target.Pix[i]
		inter += p * t
		ps += p
		ts += t
	}
	return 1 - (2*inter+1)/(ps+ts+1)
}

// Confidence 预测前景区域内的平均概率，无前景时为 0
func Confidence(pred *model.ProbMap) float64 {
	sum, n := 0.0, 0
	for _, p := range pred.Pix {
		if p > 0.5 {
			sum += p
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
