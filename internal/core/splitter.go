package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/kilupskalvis/sheetsync/internal/chunk"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"golang.org/x/sync/errgroup"
)

// Splitter cuts source files into encoded chunks and writes them to a store.
type Splitter struct {
	opts Options
}

// NewSplitter creates a Splitter for one pipeline run.
func NewSplitter(opts Options) *Splitter {
	return &Splitter{opts: opts.withDefaults()}
}

// SplitFile reads the file at path and splits it into dest under prefix.
func (s *Splitter) SplitFile(ctx context.Context, path, prefix string, dest chunkstore.Store) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		rep := newReport(OpSplit, prefix, s.opts.ChunkCount)
		rep.Name = filepath.Base(path)
		err = fmt.Errorf("split %s: read source: %w", prefix, err)
		rep.fail(err)
		return rep, err
	}
	return s.SplitBytes(ctx, prefix, filepath.Base(path), data, dest)
}

// SplitBytes splits data into dest under prefix. The returned report is
// successful only if every chunk was written and the set reassembles to data.
// A non-nil error is always accompanied by a failed report.
func (s *Splitter) SplitBytes(ctx context.Context, prefix, name string, data []byte, dest chunkstore.Store) (*Report, error) {
	rep := newReport(OpSplit, prefix, s.opts.ChunkCount)
	rep.Name = name

	if err := s.split(ctx, rep, data, dest); err != nil {
		err = fmt.Errorf("split %s: %w", prefix, err)
		rep.fail(err)
		s.opts.Progress(prefix, StateFailed, 0, 0)
		s.opts.Logger.Error("split failed", "prefix", prefix, "reason", rep.FailureReason, "error", err)
		return rep, err
	}

	rep.succeed()
	s.opts.Progress(prefix, StateSucceeded, s.opts.ChunkCount, s.opts.ChunkCount)
	s.opts.Logger.Info("split complete",
		"prefix", prefix,
		"size", rep.OriginalSize,
		"sha256", rep.OriginalHash,
		"chunks", rep.ChunkCount,
		"duration_ms", rep.DurationMs,
	)
	return rep, nil
}

func (s *Splitter) split(ctx context.Context, rep *Report, data []byte, dest chunkstore.Store) error {
	prefix := rep.Prefix
	n := s.opts.ChunkCount

	rep.State = StateReading
	s.opts.Progress(prefix, StateReading, 0, 0)
	if err := chunkstore.ValidatePrefix(prefix); err != nil {
		return err
	}
	if len(data) == 0 {
		return chunk.ErrEmptySource
	}
	rep.OriginalHash = chunk.Hash(data)
	rep.OriginalSize = int64(len(data))

	rep.State = StateChunking
	set, err := chunk.Split(prefix, data, n)
	if err != nil {
		return err
	}

	// Every chunk is encoded and checked before the first store write so a
	// bad input never leaves a partial set behind.
	for i := range set.Chunks {
		c := &set.Chunks[i]
		encoded, err := chunk.EncodeVerified(c.Data)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.Index, err)
		}
		if s.opts.MaxEncodedSize > 0 && len(encoded) > s.opts.MaxEncodedSize {
			return fmt.Errorf("%w: chunk %d encodes to %d bytes, limit is %d (raise chunk_count)",
				ErrChunkTooLarge, c.Index, len(encoded), s.opts.MaxEncodedSize)
		}
		c.Encoded = encoded
		s.opts.Logger.Debug("chunk encoded", "prefix", prefix, "index", c.Index, "bytes", len(c.Data), "encoded", len(encoded))
	}

	scratch, err := chunkstore.NewTempFSStore(s.opts.ScratchDir, "sheetsync-"+strings.ToLower(prefix)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err := scratch.Clean(); err != nil {
			s.opts.Logger.Warn("scratch cleanup failed", "dir", scratch.Dir(), "error", err)
		}
	}()

	for _, c := range set.Chunks {
		if err := scratch.Put(ctx, prefix, c.Index, c.Encoded); err != nil {
			return fmt.Errorf("scratch chunk %d: %w", c.Index, err)
		}
	}

	if err := s.dispatch(ctx, set, dest); err != nil {
		return err
	}

	rep.State = StateVerifying
	s.opts.Progress(prefix, StateVerifying, 0, 0)
	return s.selfCheck(ctx, rep, set, scratch)
}

// dispatch writes every chunk to dest, at most Concurrency at a time.
func (s *Splitter) dispatch(ctx context.Context, set *chunk.Set, dest chunkstore.Store) error {
	total := len(set.Chunks)
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, c := range set.Chunks {
		g.Go(func() error {
			if err := dest.Put(gctx, c.Prefix, c.Index, c.Encoded); err != nil {
				return fmt.Errorf("put chunk %d: %w", c.Index, err)
			}
			s.opts.Progress(c.Prefix, StateChunking, int(done.Add(1)), total)
			s.opts.Logger.Debug("chunk stored", "prefix", c.Prefix, "key", chunkstore.SecretName(c.Prefix, c.Index))
			return nil
		})
	}

	return g.Wait()
}

// selfCheck reassembles the set from the in-memory encodings and from the
// scratch copy, and compares both against the source digest.
func (s *Splitter) selfCheck(ctx context.Context, rep *Report, set *chunk.Set, scratch *chunkstore.FSStore) error {
	parts := make([][]byte, len(set.Chunks))
	for i, c := range set.Chunks {
		decoded, err := chunk.Decode(c.Encoded)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrSplitIntegrity, c.Index, err)
		}
		parts[i] = decoded
	}
	joined := chunk.Join(parts)
	if got := chunk.Hash(joined); got != rep.OriginalHash {
		return fmt.Errorf("%w: in-memory digest %s, source %s", ErrSplitIntegrity, got, rep.OriginalHash)
	}

	rc := NewReconstructor(Options{
		ChunkCount:      s.opts.ChunkCount,
		Concurrency:     1,
		RequireExpected: true,
		Logger:          s.opts.Logger,
	})
	expected := Expected{Hash: rep.OriginalHash, Size: rep.OriginalSize}
	_, back, err := rc.Reconstruct(ctx, rep.Prefix, scratch, expected, "")
	if err != nil {
		return fmt.Errorf("%w: scratch read-back: %v", ErrSplitIntegrity, err)
	}

	rep.ReconstructedHash = back.ReconstructedHash
	rep.ReconstructedSize = back.ReconstructedSize
	rep.Verified = true
	return nil
}
