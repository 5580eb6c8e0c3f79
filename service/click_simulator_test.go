package service

import (
	"context"
	"testing"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulator(jitter float64) *ClickSimulator {
	return NewClickSimulator(&config.SimulatorConfig{MaxClicks: 20, TargetIoU: 0.9, Jitter: jitter})
}

func TestSimulateClicksComponentCenter(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(11, 11, 3, 3, 8, 8)

	c, ok := sim.Simulate(gt, model.NewMask(11, 11), model.NewClickSequence(0), 1)
	require.True(t, ok)
	assert.Equal(t, model.Click{X: 5, Y: 5, Positive: true, Order: 0}, c)
}

func TestSimulateIsDeterministic(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(20, 16, 2, 3, 15, 12)
	pred := rectMask(20, 16, 8, 0, 20, 8)
	history := model.NewClickSequence(0)

	c1, ok1 := sim.Simulate(gt, pred, history, 7)
	c2, ok2 := sim.Simulate(gt, pred, history, 7)
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, c1, c2)
}

func TestSimulateNoErrorSentinel(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(8, 8, 1, 1, 6, 6)

	_, ok := sim.Simulate(gt, gt.Clone(), model.NewClickSequence(0), 1)
	assert.False(t, ok)
}

func TestSimulateTargetIoUSentinel(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(10, 10, 0, 0, 10, 10)
	pred := gt.Clone()
	pred.Set(0, 0, false)

	_, ok := sim.Simulate(gt, pred, model.NewClickSequence(0), 1)
	assert.False(t, ok, "IoU 0.99 already reaches target")
}

func TestSimulateClickLimitSentinel(t *testing.T) {
	sim := NewClickSimulator(&config.SimulatorConfig{MaxClicks: 1})
	gt := rectMask(8, 8, 1, 1, 6, 6)
	history := model.NewClickSequence(0)
	_, err := history.Add(0, 0, true)
	require.NoError(t, err)

	_, ok := sim.Simulate(gt, model.NewMask(8, 8), history, 1)
	assert.False(t, ok)
}

func TestSimulateFalsePositiveIsNegative(t *testing.T) {
	sim := newTestSimulator(0)
	gt := model.NewMask(11, 11)
	pred := rectMask(11, 11, 3, 3, 8, 8)

	c, ok := sim.Simulate(gt, pred, model.NewClickSequence(0), 1)
	require.True(t, ok)
	assert.False(t, c.Positive)
	assert.Equal(t, 5, c.X)
	assert.Equal(t, 5, c.Y)
}

func TestSimulatePrefersLargerComponent(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(20, 20, 0, 0, 3, 3).Union(rectMask(20, 20, 10, 10, 17, 17))

	c, ok := sim.Simulate(gt, model.NewMask(20, 20), model.NewClickSequence(0), 1)
	require.True(t, ok)
	assert.Equal(t, 13, c.X)
	assert.Equal(t, 13, c.Y)
}

func TestSimulateFalseNegativeWinsAreaTie(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(12, 12, 7, 7, 10, 10)
	pred := rectMask(12, 12, 1, 1, 4, 4)

	c, ok := sim.Simulate(gt, pred, model.NewClickSequence(0), 1)
	require.True(t, ok)
	assert.True(t, c.Positive)
	assert.Equal(t, 8, c.X)
	assert.Equal(t, 8, c.Y)
}

func TestSimulateTieBreakSmallestX(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(10, 10, 2, 4, 6, 5)

	c, ok := sim.Simulate(gt, model.NewMask(10, 10), model.NewClickSequence(0), 1)
	require.True(t, ok)
	assert.Equal(t, 2, c.X)
	assert.Equal(t, 4, c.Y)
}

func TestSimulateSkipsClickedPixels(t *testing.T) {
	sim := newTestSimulator(0)
	gt := rectMask(11, 11, 3, 3, 8, 8)
	history := model.NewClickSequence(0)
	_, err := history.Add(5, 5, true)
	require.NoError(t, err)

	c, ok := sim.Simulate(gt, model.NewMask(11, 11), history, 1)
	require.True(t, ok)
	assert.Equal(t, 4, c.X)
	assert.Equal(t, 4, c.Y)
	assert.Equal(t, 1, c.Order)
}

func TestSimulateJitterStaysInComponent(t *testing.T) {
	sim := newTestSimulator(0.5)
	gt := rectMask(30, 30, 5, 5, 25, 25)
	pred := model.NewMask(30, 30)

	c1, ok := sim.Simulate(gt, pred, model.NewClickSequence(0), 42)
	require.True(t, ok)
	c2, _ := sim.Simulate(gt, pred, model.NewClickSequence(0), 42)
	assert.Equal(t, c1, c2)
	assert.True(t, gt.At(c1.X, c1.Y))
	assert.True(t, c1.Positive)
}

func TestSimulateSequenceWithDiskPredictor(t *testing.T) {
	sim := NewClickSimulator(&config.SimulatorConfig{MaxClicks: 20, TargetIoU: 0.99})
	gt := rectMask(40, 40, 10, 10, 30, 30)

	seq, iou, err := sim.SimulateSequence(context.Background(), gt, DiskPredictor(40, 40, 6), 5, 3)
	require.NoError(t, err)
	require.NotZero(t, seq.Len())
	assert.LessOrEqual(t, seq.Len(), 5)
	assert.True(t, seq.Clicks[0].Positive)
	assert.Equal(t, 19, seq.Clicks[0].X)
	assert.Equal(t, 19, seq.Clicks[0].Y)
	assert.Greater(t, iou, 0.0)
	for i := 1; i < seq.Len(); i++ {
		assert.Greater(t, seq.Clicks[i].Order, seq.Clicks[i-1].Order)
	}
}

func TestSimulateSequenceCancelled(t *testing.T) {
	sim := newTestSimulator(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := sim.SimulateSequence(ctx, rectMask(8, 8, 0, 0, 4, 4), DiskPredictor(8, 8, 2), 3, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
