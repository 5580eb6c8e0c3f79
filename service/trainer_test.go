package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDevices(t *testing.T) {
	assert.NoError(t, ValidateDevices([]string{"cpu"}))
	assert.NoError(t, ValidateDevices([]string{"cpu", "cpu"}))
	assert.Error(t, ValidateDevices(nil))
	assert.Error(t, ValidateDevices([]string{"cpu", "cuda:0"}))
}

func newTestTrainer(t *testing.T, cfg *config.TrainConfig, trainable []string) (*Trainer, error) {
	t.Helper()
	m, _ := newTestModel(t)
	sup := NewSupervisor(m.Ctrl, m.Decoder, testSupervisorConfig())
	ds, err := LoadDataset(writeDataset(t, 16, 16))
	require.NoError(t, err)
	simCfg := &config.SimulatorConfig{MaxClicks: 5, InitialClicks: 2, DiskRadius: 2}
	loader := NewDataLoader(ds, nil, NewClickSimulator(simCfg), cfg, simCfg)
	return NewTrainer(cfg, m.Backbone, sup, loader, m.Adapter, trainable)
}

func TestNewTrainerValidates(t *testing.T) {
	base := config.TrainConfig{Steps: 1, BatchSize: 1, Devices: []string{"cpu"}}

	cfg := base
	cfg.Devices = []string{"gpu"}
	_, err := newTestTrainer(t, &cfg, nil)
	assert.Error(t, err)

	cfg = base
	cfg.Steps = 0
	_, err = newTestTrainer(t, &cfg, nil)
	assert.Error(t, err)

	_, err = newTestTrainer(t, &base, []string{"decoder.unknown"})
	assert.Error(t, err)

	_, err = newTestTrainer(t, &base, []string{LayerGain})
	assert.NoError(t, err)
}

func TestTrainerRunSavesCheckpoint(t *testing.T) {
	ckpt := filepath.Join(t.TempDir(), "adapter.json")
	cfg := &config.TrainConfig{
		Checkpoint:   ckpt,
		BatchSize:    1,
		Steps:        2,
		Workers:      2,
		QueueSize:    1,
		LearningRate: 0.05,
		FiniteDiff:   1e-3,
		Seed:         3,
		LogEvery:     1,
		Devices:      []string{"cpu"},
	}
	tr, err := newTestTrainer(t, cfg, []string{LayerGain})
	require.NoError(t, err)

	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Steps)
	assert.Equal(t, 2, report.Samples)
	assert.Equal(t, 2, report.Fallbacks)
	assert.Equal(t, ckpt, report.Checkpoint)
	assert.Greater(t, report.FinalLoss, 0.0)

	saved, step, err := LoadCheckpoint(ckpt, CheckpointAdapter)
	require.NoError(t, err)
	assert.Equal(t, 2, step)
	assert.NoError(t, CheckShapes(tr.Params(), saved))
	assert.Equal(t, tr.Params().Scalar(LayerGain, 0), saved.Scalar(LayerGain, 0))
	assert.NotEqual(t, 10.0, saved.Scalar(LayerGain, 0))
	assert.Equal(t, 4.0, saved.Scalar(LayerColorScale, 0))
}

func TestTrainerRunHonorsCancel(t *testing.T) {
	cfg := &config.TrainConfig{BatchSize: 1, Steps: 50, Workers: 1, QueueSize: 1, Seed: 1, Devices: []string{"cpu"}}
	tr, err := newTestTrainer(t, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
