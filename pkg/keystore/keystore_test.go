package keystore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
)

func TestNewRejectsShortKey(t *testing.T) {
	t.Parallel()

	_, err := New([]byte("too-short"))
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestRotateShiftsCurrentToPrevious(t *testing.T) {
	t.Parallel()

	first := bytes.Repeat([]byte{0x01}, KeySize)
	second := bytes.Repeat([]byte{0x02}, KeySize)
	third := bytes.Repeat([]byte{0x03}, KeySize)

	s, err := New(first)
	require.NoError(t, err)
	assert.Nil(t, s.PreviousKey())

	require.NoError(t, s.Rotate(second))
	assert.Equal(t, second, s.CurrentKey())
	assert.Equal(t, first, s.PreviousKey())

	// a second rotation discards the oldest key entirely
	require.NoError(t, s.Rotate(third))
	assert.Equal(t, third, s.CurrentKey())
	assert.Equal(t, second, s.PreviousKey())
	assert.False(t, s.Snapshot().RotatedAt.IsZero())
}

func TestSnapshotIsDetachedFromStore(t *testing.T) {
	t.Parallel()

	s, err := NewRandom()
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Current[0] ^= 0xFF
	assert.NotEqual(t, snap.Current[0], s.CurrentKey()[0])
}

func TestRotateRandomProducesDistinctKeys(t *testing.T) {
	t.Parallel()

	s, err := NewRandom()
	require.NoError(t, err)
	before := s.CurrentKey()
	require.NoError(t, s.RotateRandom())
	assert.NotEqual(t, before, s.CurrentKey())
	assert.Equal(t, before, s.PreviousKey())
}
