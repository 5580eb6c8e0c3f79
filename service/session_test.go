package service

import (
	"context"
	"sync"
	"testing"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSession(t *testing.T, w, h int) (*Session, *countingBackbone) {
	t.Helper()
	m, bb := newTestModel(t)
	s := NewSession("s1", m, 0)
	require.NoError(t, s.Start(context.Background(), "img", twoToneImage(w, h)))
	return s, bb
}

func TestSessionStartsEmpty(t *testing.T) {
	s, bb := startSession(t, 16, 16)
	snap := s.Snapshot()

	assert.Equal(t, PhaseAwaitingInput, snap.Phase)
	assert.Equal(t, 16, snap.W)
	assert.Equal(t, 1.0, snap.Granularity)
	assert.True(t, snap.Mask.Empty())
	assert.Equal(t, int32(1), bb.calls.Load())
}

func TestAddClickThenUndoRestoresMask(t *testing.T) {
	ctx := context.Background()
	s, _ := startSession(t, 16, 16)

	first, err := s.AddClick(ctx, 3, 8, true)
	require.NoError(t, err)
	assert.False(t, first.Mask().Empty())

	_, err = s.AddClick(ctx, 12, 8, false)
	require.NoError(t, err)

	back, err := s.Undo(ctx)
	require.NoError(t, err)
	assert.True(t, first.Mask().Equal(back.Mask()))
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Clicks.Len())
}

func TestUndoOnEmptySequenceIsNoop(t *testing.T) {
	s, _ := startSession(t, 8, 8)
	before := s.Recomputes()

	c, err := s.Undo(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Mask().Empty())
	assert.Equal(t, before, s.Recomputes())
}

func TestSetGranularityReusesFeatures(t *testing.T) {
	ctx := context.Background()
	s, bb := startSession(t, 16, 16)

	_, err := s.AddClick(ctx, 3, 8, true)
	require.NoError(t, err)
	for _, g := range []float64{0.2, 0.5, 0.9} {
		c, err := s.SetGranularity(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, g, c.Granularity)
	}
	assert.Equal(t, int32(1), bb.calls.Load())

	n := s.Recomputes()
	_, err = s.SetGranularity(ctx, 0.9)
	require.NoError(t, err)
	assert.Equal(t, n, s.Recomputes())
}

func TestFinerGranularityNestsInCoarser(t *testing.T) {
	ctx := context.Background()
	s, _ := startSession(t, 32, 32)

	_, err := s.AddClick(ctx, 8, 16, true)
	require.NoError(t, err)

	coarse, err := s.SetGranularity(ctx, 1.0)
	require.NoError(t, err)
	fine, err := s.SetGranularity(ctx, 0.1)
	require.NoError(t, err)

	assert.True(t, fine.Mask().IsSubsetOf(coarse.Mask()))
	assert.Greater(t, coarse.Mask().Area(), fine.Mask().Area())
}

func TestResetClearsClicks(t *testing.T) {
	ctx := context.Background()
	s, _ := startSession(t, 16, 16)
	_, err := s.AddClick(ctx, 3, 8, true)
	require.NoError(t, err)

	c, err := s.Reset()
	require.NoError(t, err)
	assert.True(t, c.Mask().Empty())
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Clicks.Len())
	assert.Equal(t, PhaseAwaitingInput, snap.Phase)
}

func TestClickValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestModel(t)
	s := NewSession("s2", m, 1)

	_, err := s.AddClick(ctx, 0, 0, true)
	assert.ErrorIs(t, err, model.ErrSessionIdle)

	require.NoError(t, s.Start(ctx, "img", twoToneImage(8, 8)))
	_, err = s.AddClick(ctx, 8, 0, true)
	assert.ErrorIs(t, err, model.ErrOutOfBounds)
	_, err = s.AddClick(ctx, -1, 0, true)
	assert.ErrorIs(t, err, model.ErrOutOfBounds)

	_, err = s.AddClick(ctx, 1, 1, true)
	require.NoError(t, err)
	_, err = s.AddClick(ctx, 2, 2, true)
	assert.ErrorIs(t, err, model.ErrClickLimit)

	s.Close()
	assert.Equal(t, PhaseIdle, s.Phase())
	_, err = s.SetGranularity(ctx, 0.5)
	assert.ErrorIs(t, err, model.ErrSessionIdle)
	_, err = s.Reset()
	assert.ErrorIs(t, err, model.ErrSessionIdle)
}

func TestLoadAdapterRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	s, bb := startSession(t, 16, 16)
	before, err := s.AddClick(ctx, 3, 8, true)
	require.NoError(t, err)

	_, err = s.LoadAdapter(ctx, DefaultAdapterParams(3))
	var loadErr *model.AdapterLoadError
	require.ErrorAs(t, err, &loadErr)

	after, err := s.SetGranularity(ctx, 1.0)
	require.NoError(t, err)
	assert.True(t, before.Mask().Equal(after.Mask()))

	next := DefaultAdapterParams(9)
	next[LayerGain].Set(0, 0, 0)
	next[LayerBias].Set(0, 0, -5)
	c, err := s.LoadAdapter(ctx, next)
	require.NoError(t, err)
	assert.True(t, c.Mask().Empty())
	assert.Equal(t, int32(1), bb.calls.Load())
}

func TestConcurrentInputsSettle(t *testing.T) {
	ctx := context.Background()
	s, bb := startSession(t, 32, 32)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, err := s.AddClick(ctx, i, i, true)
				assert.NoError(t, err)
			} else {
				_, err := s.SetGranularity(ctx, float64(i)/10)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, 4, snap.Clicks.Len())
	assert.Equal(t, PhaseAwaitingInput, snap.Phase)
	assert.LessOrEqual(t, s.Recomputes(), 8)
	assert.Equal(t, int32(1), bb.calls.Load())

	// 最终掩码与从头按相同输入解码一致
	want, err := s.model.Decoder.Decode(ctx, s.feats, snap.Clicks, s.model.Ctrl.Encode(snap.Granularity), s.adapter)
	require.NoError(t, err)
	assert.True(t, want.Binarize(0.5).Equal(snap.Mask))
}
