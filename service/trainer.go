package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
)

var supportedDevices = []string{"cpu"}

// ValidateDevices 校验训练设备列表
func ValidateDevices(devices []string) error {
	if len(devices) == 0 {
		return fmt.Errorf("no training devices configured")
	}
	for _, d := range devices {
		if !slices.Contains(supportedDevices, d) {
			return fmt.Errorf("unsupported device %q (supported: %v)", d, supportedDevices)
		}
	}
	return nil
}

// TrainReport 训练结果汇总
type TrainReport struct {
	Steps      int     `json:"steps"`
	Samples    int     `json:"samples"`
	Fallbacks  int     `json:"fallbacks"`
	FinalLoss  float64 `json:"final_loss"`
	MeanIoU    float64 `json:"mean_iou"`
	Checkpoint string  `json:"checkpoint,omitempty"`
}

type batchItem struct {
	sample *model.TrainingSample
	feats  *model.FeaturePyramid
}

// Trainer 训练循环：每步取一批样本，backbone 特征每个样本只算一次，
// 对可训练的 adapter 层做有限差分梯度，Adam 更新
type Trainer struct {
	cfg       config.TrainConfig
	backbone  Backbone
	sup       *Supervisor
	loader    *DataLoader
	params    Params
	trainable []string
	log       *zap.Logger

	m1, m2 map[string][]float64
}

func NewTrainer(cfg *config.TrainConfig, backbone Backbone, sup *Supervisor, loader *DataLoader, params Params, trainable []string) (*Trainer, error) {
	if err := ValidateDevices(cfg.Devices); err != nil {
		return nil, err
	}
	if cfg.Steps <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("steps and batch size must be positive (got %d, %d)", cfg.Steps, cfg.BatchSize)
	}
	for _, name := range trainable {
		if _, ok := params[name]; !ok {
			return nil, fmt.Errorf("trainable layer %s not in adapter", name)
		}
	}
	t := &Trainer{
		cfg:       *cfg,
		backbone:  backbone,
		sup:       sup,
		loader:    loader,
		params:    params.Clone(),
		trainable: trainable,
		log:       utils.Component("trainer"),
		m1:        make(map[string][]float64),
		m2:        make(map[string][]float64),
	}
	if t.cfg.FiniteDiff <= 0 {
		t.cfg.FiniteDiff = 1e-3
	}
	for _, name := range trainable {
		n := t.params.layerLen(name)
		t.m1[name] = make([]float64, n)
		t.m2[name] = make([]float64, n)
	}
	return t, nil
}

// Params 当前 adapter 参数副本
func (t *Trainer) Params() Params {
	return t.params.Clone()
}

// Run 执行 cfg.Steps 步训练，设置了 Checkpoint 时保存 adapter 参数
func (t *Trainer) Run(ctx context.Context) (*TrainReport, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples, wait := t.loader.Stream(runCtx, t.cfg.Steps*t.cfg.BatchSize)
	stop := func(err error) error {
		cancel()
		werr := wait()
		if err != nil {
			return err
		}
		if werr != nil && !errors.Is(werr, context.Canceled) {
			return werr
		}
		return nil
	}

	t.log.Info("training started",
		zap.Int("steps", t.cfg.Steps),
		zap.Int("batch_size", t.cfg.BatchSize),
		zap.Int("workers", t.cfg.Workers),
		zap.Strings("devices", t.cfg.Devices),
		zap.Strings("trainable", t.trainable))

	report := &TrainReport{}
	start := time.Now()
	for step := 1; step <= t.cfg.Steps; step++ {
		batch, err := t.nextBatch(runCtx, samples)
		if err != nil {
			return nil, stop(err)
		}
		if len(batch) == 0 {
			break
		}

		loss, results, err := t.evaluate(runCtx, batch, t.params)
		if err != nil {
			return nil, stop(err)
		}
		if len(t.trainable) > 0 {
			grads, err := t.gradients(runCtx, batch)
			if err != nil {
				return nil, stop(err)
			}
			t.adamStep(step, grads)
		}

		iou := 0.0
		for _, r := range results {
			iou += r.MeanIoU()
			if r.Fallback {
				report.Fallbacks++
			}
		}
		report.Steps = step
		report.Samples += len(batch)
		report.FinalLoss = loss
		report.MeanIoU = iou / float64(len(results))

		if t.cfg.LogEvery > 0 && (step == 1 || step%t.cfg.LogEvery == 0 || step == t.cfg.Steps) {
			nesting := 0.0
			for _, r := range results {
				nesting += r.NestingLoss
			}
			t.log.Info("train step",
				zap.Int("step", step),
				zap.Float64("loss", loss),
				zap.Float64("mean_iou", report.MeanIoU),
				zap.Float64("nesting", nesting/float64(len(results))),
				zap.Int("fallbacks", report.Fallbacks),
				zap.Int64("proposal_misses", t.loader.Misses()),
				zap.Duration("elapsed", time.Since(start)))
		}
	}
	if err := stop(nil); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil && report.Steps < t.cfg.Steps {
		return nil, err
	}

	if t.cfg.Checkpoint != "" {
		if err := SaveCheckpoint(t.cfg.Checkpoint, CheckpointAdapter, report.Steps, t.params); err != nil {
			return nil, err
		}
		report.Checkpoint = t.cfg.Checkpoint
		t.log.Info("adapter checkpoint saved", zap.String("path", t.cfg.Checkpoint), zap.Int("step", report.Steps))
	}
	return report, nil
}

// nextBatch 取一批样本并计算特征；通道已关闭时可能返回不足一批
func (t *Trainer) nextBatch(ctx context.Context, samples <-chan *model.TrainingSample) ([]batchItem, error) {
	batch := make([]batchItem, 0, t.cfg.BatchSize)
	for len(batch) < t.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s, ok := <-samples:
			if !ok {
				return batch, nil
			}
			feats, err := t.backbone.ExtractFeatures(ctx, s.Image)
			if err != nil {
				return nil, fmt.Errorf("extract features for %s: %w", s.ImageID, err)
			}
			batch = append(batch, batchItem{sample: s, feats: feats})
		}
	}
	return batch, nil
}

// evaluate 批次平均损失
func (t *Trainer) evaluate(ctx context.Context, batch []batchItem, params Params) (float64, []*SupervisionResult, error) {
	results := make([]*SupervisionResult, len(batch))
	total := 0.0
	for i, it := range batch {
		res, err := t.sup.Supervise(ctx, it.sample, it.feats, params)
		if err != nil {
			return 0, nil, err
		}
		results[i] = res
		total += res.Loss
	}
	return total / float64(len(batch)), results, nil
}

// gradients 中心差分梯度
func (t *Trainer) gradients(ctx context.Context, batch []batchItem) (map[string][]float64, error) {
	h := t.cfg.FiniteDiff
	grads := make(map[string][]float64, len(t.trainable))
	for _, name := range t.trainable {
		m := t.params[name]
		_, cols := m.Dims()
		g := make([]float64, t.params.layerLen(name))
		for i := range g {
			r, c := i/cols, i%cols
			orig := m.At(r, c)

			m.Set(r, c, orig+h)
			up, _, err := t.evaluate(ctx, batch, t.params)
			if err != nil {
				m.Set(r, c, orig)
				return nil, err
			}
			m.Set(r, c, orig-h)
			down, _, err := t.evaluate(ctx, batch, t.params)
			m.Set(r, c, orig)
			if err != nil {
				return nil, err
			}
			g[i] = (up - down) / (2 * h)
		}
		grads[name] = g
	}
	return grads, nil
}

func (t *Trainer) adamStep(it int, grads map[string][]float64) {
	const (
		beta1   = 0.9
		beta2   = 0.999
		adamEps = 1e-8
	)
	lr := t.cfg.LearningRate
	b1t := 1.0 - math.Pow(beta1, float64(it))
	b2t := 1.0 - math.Pow(beta2, float64(it))
	for _, name := range t.trainable {
		m := t.params[name]
		_, cols := m.Dims()
		m1, m2 := t.m1[name], t.m2[name]
		for i, g := range grads[name] {
			m1[i] = beta1*m1[i] + (1.0-beta1)*g
			m2[i] = beta2*m2[i] + (1.0-beta2)*g*g
			mhat := m1[i] / b1t
			vhat := m2[i] / b2t
			r, c := i/cols, i%cols
			m.Set(r, c, m.At(r, c)-lr*mhat/(math.Sqrt(vhat)+adamEps))
		}
	}
}
