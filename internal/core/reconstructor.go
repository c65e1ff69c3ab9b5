package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/kilupskalvis/sheetsync/internal/chunk"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"golang.org/x/sync/errgroup"
)

// Expected is what a reconstructed file is checked against. Zero values mean
// the caller has nothing to compare.
type Expected struct {
	Hash string
	Size int64
}

// Reconstructor reassembles files from a chunk store and verifies them.
type Reconstructor struct {
	opts Options
}

// NewReconstructor creates a Reconstructor for one pipeline run.
func NewReconstructor(opts Options) *Reconstructor {
	return &Reconstructor{opts: opts.withDefaults()}
}

// Reconstruct fetches all chunks of prefix from src, joins them and verifies
// the result against exp. When outPath is set the bytes are written there,
// but only after verification passed. On failure the returned bytes are nil
// and outPath is left as it was.
func (r *Reconstructor) Reconstruct(ctx context.Context, prefix string, src chunkstore.Store, exp Expected, outPath string) ([]byte, *Report, error) {
	rep := newReport(OpReconstruct, prefix, r.opts.ChunkCount)
	rep.Path = outPath
	rep.OriginalHash = strings.ToLower(exp.Hash)
	rep.OriginalSize = exp.Size

	data, err := r.reconstruct(ctx, rep, src, exp, outPath)
	if err != nil {
		err = fmt.Errorf("reconstruct %s: %w", prefix, err)
		rep.fail(err)
		r.opts.Progress(prefix, StateFailed, 0, 0)
		r.opts.Logger.Error("reconstruct failed", "prefix", prefix, "reason", rep.FailureReason, "error", err)
		return nil, rep, err
	}

	rep.succeed()
	r.opts.Progress(prefix, StateSucceeded, r.opts.ChunkCount, r.opts.ChunkCount)
	r.opts.Logger.Info("reconstruct complete",
		"prefix", prefix,
		"size", rep.ReconstructedSize,
		"sha256", rep.ReconstructedHash,
		"verified", rep.Verified,
		"path", outPath,
		"duration_ms", rep.DurationMs,
	)
	return data, rep, nil
}

func (r *Reconstructor) reconstruct(ctx context.Context, rep *Report, src chunkstore.Store, exp Expected, outPath string) ([]byte, error) {
	prefix := rep.Prefix
	n := r.opts.ChunkCount

	rep.State = StateReading
	r.opts.Progress(prefix, StateReading, 0, 0)
	if err := chunkstore.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("reconstruct %d chunks: %w", n, chunk.ErrInvalidChunkCount)
	}

	rep.State = StateFetching
	values, err := r.fetch(ctx, prefix, src)
	if err != nil {
		return nil, err
	}

	parts := make([][]byte, n)
	for i, v := range values {
		decoded, err := chunk.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", chunk.ErrEncodingIntegrity, i, err)
		}
		parts[i] = decoded
	}
	if err := checkShape(prefix, parts); err != nil {
		return nil, err
	}
	data := chunk.Join(parts)

	rep.State = StateVerifying
	r.opts.Progress(prefix, StateVerifying, 0, 0)
	rep.ReconstructedHash = chunk.Hash(data)
	rep.ReconstructedSize = int64(len(data))

	if err := r.verify(rep, exp); err != nil {
		return nil, err
	}

	if outPath != "" {
		if err := writeFileAtomic(outPath, data, r.opts.Backup); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// fetch reads all n values. The first failure cancels the remaining reads.
func (r *Reconstructor) fetch(ctx context.Context, prefix string, src chunkstore.Store) ([]string, error) {
	n := r.opts.ChunkCount
	values := make([]string, n)
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := src.Get(gctx, prefix, i)
			if err != nil {
				if errors.Is(err, chunkstore.ErrNotFound) {
					return &MissingChunkError{Prefix: prefix, Index: i}
				}
				return fmt.Errorf("get chunk %d: %w", i, err)
			}
			values[i] = v
			r.opts.Progress(prefix, StateFetching, int(done.Add(1)), n)
			r.opts.Logger.Debug("chunk fetched", "prefix", prefix, "index", i, "encoded", len(v))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// checkShape rejects chunk sets that chunk.Split cannot have produced. A
// split is a run of full chunks, at most one shorter chunk, then empty ones,
// with the full size equal to ChunkSize of the total. A secret that went
// missing in a workflow environment reads as an empty string, which breaks
// that layout. The first short or empty chunk is reported as missing.
func checkShape(prefix string, parts [][]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	size := len(parts[0])
	if total == 0 || size == 0 {
		return &MissingChunkError{Prefix: prefix, Index: 0}
	}

	short := -1
	for i, p := range parts {
		switch {
		case len(p) > size:
			return &MissingChunkError{Prefix: prefix, Index: i}
		case short >= 0 && len(p) > 0:
			return &MissingChunkError{Prefix: prefix, Index: short}
		case short < 0 && len(p) < size:
			short = i
		}
	}
	if chunk.ChunkSize(total, len(parts)) != size {
		return &MissingChunkError{Prefix: prefix, Index: short}
	}
	return nil
}

// verify compares the reconstructed digest and size against exp. With
// nothing to compare the result is accepted as unverified unless the
// options require an expected hash.
func (r *Reconstructor) verify(rep *Report, exp Expected) error {
	if exp.Size > 0 && rep.ReconstructedSize != exp.Size {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, exp.Size, rep.ReconstructedSize)
	}
	if exp.Hash != "" {
		if !strings.EqualFold(rep.ReconstructedHash, exp.Hash) {
			return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, strings.ToLower(exp.Hash), rep.ReconstructedHash)
		}
		rep.Verified = true
		return nil
	}
	if r.opts.RequireExpected {
		return ErrUnverifiable
	}
	r.opts.Logger.Warn("no expected hash given, accepting reconstruction unverified", "prefix", rep.Prefix)
	return nil
}

// writeFileAtomic replaces path with data through a temp file in the same
// directory. With backup set an existing file is first copied to path.bak.
func writeFileAtomic(path string, data []byte, backup bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync output: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod output: %w", err)
	}

	if backup {
		if err := copyFile(path, path+".bak"); err != nil && !os.IsNotExist(err) {
			os.Remove(tmpPath)
			return fmt.Errorf("backup output: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
