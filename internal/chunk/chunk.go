// Package chunk splits byte buffers into a fixed number of ordered chunks and
// provides the base64 and hashing primitives used to move them through
// text-only storage. Everything here is pure and safe for concurrent use.
package chunk

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

var (
	// ErrEmptySource is returned when asked to split a zero-length buffer.
	ErrEmptySource = errors.New("source is empty")

	// ErrInvalidChunkCount is returned when the chunk count is not positive.
	ErrInvalidChunkCount = errors.New("chunk count must be positive")

	// ErrEncodingIntegrity is returned when a chunk does not survive a base64 round trip.
	ErrEncodingIntegrity = errors.New("base64 round trip mismatch")
)

// Chunk is one contiguous byte range of a source buffer.
type Chunk struct {
	Prefix  string
	Index   int // 0-based
	Data    []byte
	Encoded string // base64 of Data, set by the caller once verified
}

// Set is the ordered sequence of chunks produced from one source buffer.
type Set struct {
	Prefix    string
	ChunkSize int
	Total     int
	Chunks    []Chunk
}

// ChunkSize returns ceil(total/n), the size of every chunk except the trailing ones.
func ChunkSize(total, n int) int {
	if n <= 0 {
		return 0
	}
	return (total + n - 1) / n
}

// Split cuts data into exactly n contiguous chunks. All chunks hold ChunkSize
// bytes except the trailing ones, which hold the remainder and may be empty
// when data is shorter than n full chunks. Chunk data aliases data.
func Split(prefix string, data []byte, n int) (*Set, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split %d chunks: %w", n, ErrInvalidChunkCount)
	}
	if len(data) == 0 {
		return nil, ErrEmptySource
	}

	size := ChunkSize(len(data), n)
	set := &Set{
		Prefix:    prefix,
		ChunkSize: size,
		Total:     len(data),
		Chunks:    make([]Chunk, n),
	}

	for i := 0; i < n; i++ {
		start := min(i*size, len(data))
		end := min(start+size, len(data))
		set.Chunks[i] = Chunk{
			Prefix: prefix,
			Index:  i,
			Data:   data[start:end:end],
		}
	}

	return set, nil
}

// Sizes returns the byte length of each chunk in index order.
func (s *Set) Sizes() []int {
	sizes := make([]int, len(s.Chunks))
	for i, c := range s.Chunks {
		sizes[i] = len(c.Data)
	}
	return sizes
}

// Encode returns the padded standard base64 encoding of b.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses a padded standard base64 string. Line breaks are ignored.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

// EncodeVerified encodes b and checks that decoding the result gives b back.
func EncodeVerified(b []byte) (string, error) {
	encoded := Encode(b)
	decoded, err := Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodingIntegrity, err)
	}
	if !bytes.Equal(decoded, b) {
		return "", fmt.Errorf("%w: encoded %d bytes, decoded %d", ErrEncodingIntegrity, len(b), len(decoded))
	}
	return encoded, nil
}

// Hash returns the lowercase hex SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Join concatenates parts in slice order.
func Join(parts [][]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
