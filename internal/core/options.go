package core

import "log/slog"

// Progress is called as an operation moves through its states. current and
// total count chunks where that is meaningful and are zero otherwise.
type Progress func(prefix string, state State, current, total int)

// Options configures one pipeline run. The same values must be used on the
// splitting and the reconstructing side.
type Options struct {
	// ChunkCount is the number of chunks every file is split into.
	ChunkCount int

	// ScratchDir is the parent of per-run scratch directories. Empty means os.TempDir.
	ScratchDir string

	// Concurrency bounds parallel store calls per file. Values below 1 mean 1.
	Concurrency int

	// MaxEncodedSize rejects a split before any store write when an encoded
	// chunk is longer. Zero disables the check.
	MaxEncodedSize int

	// RequireExpected turns a reconstruct without an expected hash into ErrUnverifiable.
	RequireExpected bool

	// Backup keeps the previous output file as <path>.bak.
	Backup bool

	Logger   *slog.Logger
	Progress Progress
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Progress == nil {
		o.Progress = func(string, State, int, int) {}
	}
	return o
}
