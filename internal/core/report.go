package core

import (
	"errors"
	"time"

	"github.com/kilupskalvis/sheetsync/internal/chunk"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
)

// Operation names the pipeline step a Report describes.
type Operation string

const (
	OpSplit       Operation = "split"
	OpReconstruct Operation = "reconstruct"
)

// State is the lifecycle position of one split or reconstruct.
type State string

const (
	StatePending   State = "pending"
	StateReading   State = "reading"
	StateChunking  State = "chunking"
	StateFetching  State = "fetching"
	StateVerifying State = "verifying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// FailureReason classifies a failed operation.
type FailureReason string

const (
	ReasonEmptySource       FailureReason = "empty_source"
	ReasonInvalidChunkCount FailureReason = "invalid_chunk_count"
	ReasonInvalidPrefix     FailureReason = "invalid_prefix"
	ReasonEncodingIntegrity FailureReason = "encoding_integrity"
	ReasonSplitIntegrity    FailureReason = "split_integrity"
	ReasonMissingChunk      FailureReason = "missing_chunk"
	ReasonSizeMismatch      FailureReason = "size_mismatch"
	ReasonHashMismatch      FailureReason = "hash_mismatch"
	ReasonTransport         FailureReason = "transport"
	ReasonChunkTooLarge     FailureReason = "chunk_too_large"
	ReasonUnverifiable      FailureReason = "unverifiable"
	ReasonIO                FailureReason = "io"
)

// Report is the outcome of one split or reconstruct. It is built fresh for
// every operation and not modified after it is returned.
type Report struct {
	Operation         Operation     `json:"operation"`
	Prefix            string        `json:"prefix"`
	Name              string        `json:"name,omitempty"`
	Success           bool          `json:"success"`
	Verified          bool          `json:"verified"`
	State             State         `json:"state"`
	OriginalHash      string        `json:"originalHash,omitempty"`
	ReconstructedHash string        `json:"reconstructedHash,omitempty"`
	OriginalSize      int64         `json:"originalSize"`
	ReconstructedSize int64         `json:"reconstructedSize"`
	FailureReason     FailureReason `json:"failureReason,omitempty"`
	Error             string        `json:"error,omitempty"`
	ChunkCount        int           `json:"chunkCount"`
	Path              string        `json:"path,omitempty"`
	StartedAt         time.Time     `json:"startedAt"`
	DurationMs        int64         `json:"durationMs"`
}

func newReport(op Operation, prefix string, chunkCount int) *Report {
	return &Report{
		Operation:  op,
		Prefix:     prefix,
		State:      StatePending,
		ChunkCount: chunkCount,
		StartedAt:  time.Now().UTC(),
	}
}

func (r *Report) succeed() {
	r.Success = true
	r.State = StateSucceeded
	r.DurationMs = time.Since(r.StartedAt).Milliseconds()
}

func (r *Report) fail(err error) {
	r.Success = false
	r.State = StateFailed
	r.FailureReason = ReasonFor(err)
	r.Error = err.Error()
	r.DurationMs = time.Since(r.StartedAt).Milliseconds()
}

// ReasonFor maps an error from the pipeline to its FailureReason. Errors that
// match nothing more specific are treated as I/O failures.
func ReasonFor(err error) FailureReason {
	var te *chunkstore.TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, chunk.ErrEmptySource):
		return ReasonEmptySource
	case errors.Is(err, chunk.ErrInvalidChunkCount):
		return ReasonInvalidChunkCount
	case errors.Is(err, chunkstore.ErrInvalidPrefix):
		return ReasonInvalidPrefix
	case errors.Is(err, chunk.ErrEncodingIntegrity):
		return ReasonEncodingIntegrity
	case errors.Is(err, ErrSplitIntegrity):
		return ReasonSplitIntegrity
	case errors.Is(err, ErrMissingChunk):
		return ReasonMissingChunk
	case errors.Is(err, ErrSizeMismatch):
		return ReasonSizeMismatch
	case errors.Is(err, ErrHashMismatch):
		return ReasonHashMismatch
	case errors.Is(err, ErrChunkTooLarge):
		return ReasonChunkTooLarge
	case errors.Is(err, ErrUnverifiable):
		return ReasonUnverifiable
	case errors.As(err, &te):
		return ReasonTransport
	default:
		return ReasonIO
	}
}
