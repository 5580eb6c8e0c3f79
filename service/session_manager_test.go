package service

import (
	"context"
	"testing"
	"time"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig() *config.SessionConfig {
	return &config.SessionConfig{
		MaxClicks:     8,
		MaxSessions:   2,
		IdleTimeout:   time.Minute,
		MaxConcurrent: 1,
		QueueTimeout:  5,
	}
}

func TestSessionManagerLimitsSessions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestModel(t)
	mgr := NewSessionManager(m, testSessionConfig())

	a, err := mgr.Create(ctx, "a", twoToneImage(8, 8))
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "b", twoToneImage(8, 8))
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "c", twoToneImage(8, 8))
	assert.ErrorIs(t, err, model.ErrTooManySessions)
	assert.Equal(t, 2, mgr.Len())

	got, err := mgr.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.NoError(t, mgr.Close(a.ID))
	assert.Equal(t, PhaseIdle, a.Phase())
	assert.ErrorIs(t, mgr.Close(a.ID), model.ErrSessionNotFound)
	_, err = mgr.Get(a.ID)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = mgr.Create(ctx, "c", twoToneImage(8, 8))
	assert.NoError(t, err)
}

func TestSessionManagerSweepsIdleSessions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestModel(t)
	mgr := NewSessionManager(m, testSessionConfig())

	s, err := mgr.Create(ctx, "a", twoToneImage(8, 8))
	require.NoError(t, err)

	assert.Equal(t, 0, mgr.Sweep(time.Now()))
	assert.Equal(t, 1, mgr.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, mgr.Len())
	assert.Equal(t, PhaseIdle, s.Phase())

	_, err = s.AddClick(ctx, 1, 1, true)
	assert.ErrorIs(t, err, model.ErrSessionIdle)
}

func TestSessionManagerCloseAll(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestModel(t)
	mgr := NewSessionManager(m, testSessionConfig())

	s, err := mgr.Create(ctx, "a", twoToneImage(8, 8))
	require.NoError(t, err)
	mgr.CloseAll()
	assert.Equal(t, 0, mgr.Len())
	assert.Equal(t, PhaseIdle, s.Phase())
}
