package core

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilupskalvis/sheetsync/internal/chunk"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func testOptions(t *testing.T, n int) Options {
	t.Helper()
	return Options{ChunkCount: n, ScratchDir: t.TempDir()}
}

// failingStore fails Put for one index with a transport error.
type failingStore struct {
	*chunkstore.MemStore
	failAt int
}

func (f *failingStore) Put(ctx context.Context, prefix string, index int, value string) error {
	if index == f.failAt {
		return &chunkstore.TransportError{Op: "put", Key: chunkstore.SecretName(prefix, index), Err: errors.New("502 bad gateway")}
	}
	return f.MemStore.Put(ctx, prefix, index, value)
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories must be removed")
}

func TestSplitBytes_WritesAllChunks(t *testing.T) {
	opts := testOptions(t, 8)
	dest := chunkstore.NewMemStore()
	data := randomBytes(t, 100)

	rep, err := NewSplitter(opts).SplitBytes(context.Background(), "INVENTORY_FILE", "inventory.xlsx", data, dest)
	require.NoError(t, err)

	assert.True(t, rep.Success)
	assert.True(t, rep.Verified)
	assert.Equal(t, StateSucceeded, rep.State)
	assert.Equal(t, OpSplit, rep.Operation)
	assert.Equal(t, "inventory.xlsx", rep.Name)
	assert.Equal(t, chunk.Hash(data), rep.OriginalHash)
	assert.Equal(t, rep.OriginalHash, rep.ReconstructedHash)
	assert.Equal(t, int64(100), rep.OriginalSize)
	assert.Equal(t, int64(100), rep.ReconstructedSize)
	assert.Empty(t, rep.FailureReason)

	names, err := dest.ListNames(context.Background())
	require.NoError(t, err)
	require.Len(t, names, 8)
	for i := 0; i < 8; i++ {
		v, ok := dest.Lookup(fmt.Sprintf("INVENTORY_FILE_CHUNK_%d", i+1))
		require.True(t, ok)
		size := 13
		if i == 7 {
			size = 9
		}
		assert.Equal(t, chunk.Encode(data[i*13:i*13+size]), v)
	}

	assertScratchEmpty(t, opts.ScratchDir)
}

func TestSplitBytes_EmptySource(t *testing.T) {
	opts := testOptions(t, 8)
	dest := chunkstore.NewMemStore()

	rep, err := NewSplitter(opts).SplitBytes(context.Background(), "A", "empty.xlsx", nil, dest)
	require.ErrorIs(t, err, chunk.ErrEmptySource)
	assert.False(t, rep.Success)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, ReasonEmptySource, rep.FailureReason)

	names, _ := dest.ListNames(context.Background())
	assert.Empty(t, names)
}

func TestSplitBytes_InvalidChunkCount(t *testing.T) {
	rep, err := NewSplitter(testOptions(t, 0)).SplitBytes(context.Background(), "A", "", []byte("x"), chunkstore.NewMemStore())
	require.ErrorIs(t, err, chunk.ErrInvalidChunkCount)
	assert.Equal(t, ReasonInvalidChunkCount, rep.FailureReason)
}

func TestSplitBytes_InvalidPrefix(t *testing.T) {
	rep, err := NewSplitter(testOptions(t, 8)).SplitBytes(context.Background(), "inventory", "", []byte("x"), chunkstore.NewMemStore())
	require.ErrorIs(t, err, chunkstore.ErrInvalidPrefix)
	assert.Equal(t, ReasonInvalidPrefix, rep.FailureReason)
}

func TestSplitBytes_ChunkTooLargeBeforeAnyWrite(t *testing.T) {
	opts := testOptions(t, 2)
	opts.MaxEncodedSize = 100
	dest := chunkstore.NewMemStore()

	rep, err := NewSplitter(opts).SplitBytes(context.Background(), "A", "", randomBytes(t, 1000), dest)
	require.ErrorIs(t, err, ErrChunkTooLarge)
	assert.Equal(t, ReasonChunkTooLarge, rep.FailureReason)

	names, _ := dest.ListNames(context.Background())
	assert.Empty(t, names, "no chunk may be written when one is oversized")
	assertScratchEmpty(t, opts.ScratchDir)
}

func TestSplitBytes_TransportErrorPropagates(t *testing.T) {
	opts := testOptions(t, 8)
	dest := &failingStore{MemStore: chunkstore.NewMemStore(), failAt: 3}

	rep, err := NewSplitter(opts).SplitBytes(context.Background(), "A", "", randomBytes(t, 64), dest)
	require.Error(t, err)

	var te *chunkstore.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "A_CHUNK_4", te.Key)
	assert.False(t, rep.Success)
	assert.Equal(t, ReasonTransport, rep.FailureReason)
	assertScratchEmpty(t, opts.ScratchDir)
}

func TestSplitBytes_ConcurrentDispatchPreservesIndices(t *testing.T) {
	opts := testOptions(t, 13)
	opts.Concurrency = 4
	dest := chunkstore.NewMemStore()
	data := randomBytes(t, 4097)

	_, err := NewSplitter(opts).SplitBytes(context.Background(), "A", "", data, dest)
	require.NoError(t, err)

	got, _, err := NewReconstructor(opts).Reconstruct(context.Background(), "A", dest, Expected{Hash: chunk.Hash(data)}, "")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSplitBytes_Idempotent(t *testing.T) {
	opts := testOptions(t, 8)
	dest := chunkstore.NewMemStore()
	s := NewSplitter(opts)

	_, err := s.SplitBytes(context.Background(), "A", "", []byte("first version of the file"), dest)
	require.NoError(t, err)
	second := []byte("second")
	_, err = s.SplitBytes(context.Background(), "A", "", second, dest)
	require.NoError(t, err)

	got, _, err := NewReconstructor(opts).Reconstruct(context.Background(), "A", dest, Expected{Hash: chunk.Hash(second)}, "")
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSplitFile(t *testing.T) {
	opts := testOptions(t, 8)
	path := filepath.Join(t.TempDir(), "catalog.xls")
	data := randomBytes(t, 333)
	require.NoError(t, os.WriteFile(path, data, 0644))

	rep, err := NewSplitter(opts).SplitFile(context.Background(), path, "CATALOG_FILE", chunkstore.NewMemStore())
	require.NoError(t, err)
	assert.Equal(t, "catalog.xls", rep.Name)
	assert.Equal(t, chunk.Hash(data), rep.OriginalHash)
}

func TestSplitFile_Missing(t *testing.T) {
	rep, err := NewSplitter(testOptions(t, 8)).SplitFile(context.Background(), filepath.Join(t.TempDir(), "nope.xlsx"), "A", chunkstore.NewMemStore())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, ReasonIO, rep.FailureReason)
}

func TestSplitBytes_ProgressStates(t *testing.T) {
	opts := testOptions(t, 4)
	var mu sync.Mutex
	var states []State
	opts.Progress = func(prefix string, state State, current, total int) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != state {
			states = append(states, state)
		}
	}

	_, err := NewSplitter(opts).SplitBytes(context.Background(), "A", "", []byte("progress"), chunkstore.NewMemStore())
	require.NoError(t, err)
	assert.Equal(t, []State{StateReading, StateChunking, StateVerifying, StateSucceeded}, states)
}

func TestSplitBytes_CancelledContext(t *testing.T) {
	opts := testOptions(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := NewSplitter(opts).SplitBytes(ctx, "A", "", []byte("data"), chunkstore.NewMemStore())
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, rep.Success)
	assertScratchEmpty(t, opts.ScratchDir)
}
