package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSplitIntegrity is returned when a split set does not reassemble to its source.
	ErrSplitIntegrity = errors.New("split self-check failed")

	// ErrMissingChunk is matched by every *MissingChunkError.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrSizeMismatch is returned when the reconstructed size differs from the expected size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrHashMismatch is returned when the reconstructed digest differs from the expected digest.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrChunkTooLarge is returned when an encoded chunk exceeds the store's value limit.
	ErrChunkTooLarge = errors.New("encoded chunk too large")

	// ErrUnverifiable is returned when an expected digest is required but none was given.
	ErrUnverifiable = errors.New("no expected hash to verify against")
)

// MissingChunkError reports the first chunk that could not be fetched.
type MissingChunkError struct {
	Prefix string
	Index  int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d of %s", e.Index, e.Prefix)
}

func (e *MissingChunkError) Unwrap() error {
	return ErrMissingChunk
}
