package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickSequenceAddAndPop(t *testing.T) {
	seq := NewClickSequence(0)
	c0, err := seq.Add(1, 2, true)
	require.NoError(t, err)
	c1, err := seq.Add(3, 4, false)
	require.NoError(t, err)

	assert.Equal(t, 0, c0.Order)
	assert.Equal(t, 1, c1.Order)
	assert.True(t, seq.Contains(3, 4))

	last, ok := seq.Pop()
	require.True(t, ok)
	assert.Equal(t, c1, last)
	assert.Equal(t, 1, seq.Len())

	seq.Pop()
	_, ok = seq.Pop()
	assert.False(t, ok)
}

func TestClickSequenceOrderMustIncrease(t *testing.T) {
	seq := NewClickSequence(0)
	require.NoError(t, seq.Append(Click{X: 0, Y: 0, Order: 5}))

	err := seq.Append(Click{X: 1, Y: 1, Order: 5})
	assert.True(t, errors.Is(err, ErrClickOrder))
	require.NoError(t, seq.Append(Click{X: 1, Y: 1, Order: 9}))
	assert.Equal(t, 10, seq.NextOrder())
}

func TestClickSequenceLimit(t *testing.T) {
	seq := NewClickSequence(2)
	_, err := seq.Add(0, 0, true)
	require.NoError(t, err)
	_, err = seq.Add(1, 0, true)
	require.NoError(t, err)

	_, err = seq.Add(2, 0, true)
	assert.ErrorIs(t, err, ErrClickLimit)
	assert.Equal(t, 2, seq.Len())
}

func TestClickSequenceCloneIsIndependent(t *testing.T) {
	seq := NewClickSequence(4)
	seq.Add(1, 1, true)
	cp := seq.Clone()
	seq.Add(2, 2, false)

	assert.Equal(t, 1, cp.Len())
	assert.Equal(t, 4, cp.Max)
}
