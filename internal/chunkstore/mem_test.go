package chunkstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.Put(ctx, "B", 1, "b2"))
	require.NoError(t, m.Put(ctx, "A", 0, "a1"))

	v, err := m.Get(ctx, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, "a1", v)

	_, err = m.Get(ctx, "A", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := m.ListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A_CHUNK_1", "B_CHUNK_2"}, names)

	v, ok := m.Lookup("B_CHUNK_2")
	assert.True(t, ok)
	assert.Equal(t, "b2", v)

	m.Set("A_CHUNK_2", "a2")
	v, err = m.Get(ctx, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, "a2", v)

	require.NoError(t, m.Delete(ctx, "A_CHUNK_1"))
	_, ok = m.Lookup("A_CHUNK_1")
	assert.False(t, ok)

	// An empty value is stored and returned as is.
	m.Set("A_CHUNK_3", "")
	v, err = m.Get(ctx, "A", 2)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestMemStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemStore()
	assert.ErrorIs(t, m.Put(ctx, "A", 0, "x"), context.Canceled)
	_, err := m.Get(ctx, "A", 0)
	assert.ErrorIs(t, err, context.Canceled)
}
