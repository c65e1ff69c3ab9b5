// Package chunkstore provides keyed storage for encoded chunks. Every store
// holds base64 text addressed by (prefix, index), so a set written through
// one store can be read back through any other.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a chunk does not exist in the store.
	ErrNotFound = errors.New("chunk not found")

	// ErrReadOnly is returned by Put on a store that has no writer.
	ErrReadOnly = errors.New("store is read-only")

	// ErrInvalidPrefix is returned for prefixes that are not valid secret names.
	ErrInvalidPrefix = errors.New("invalid prefix")
)

var validPrefix = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// secretSep separates the prefix from the 1-based chunk number in secret names.
const secretSep = "_CHUNK_"

// Store defines the contract for chunk storage.
type Store interface {
	// Put writes one encoded chunk, replacing any previous value.
	Put(ctx context.Context, prefix string, index int, value string) error

	// Get returns the encoded chunk. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, prefix string, index int) (string, error)
}

// Lister is implemented by stores whose keys can be enumerated and removed.
// Names are secret names as produced by SecretName.
type Lister interface {
	ListNames(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// ValidatePrefix checks that prefix can be used as a secret name prefix.
func ValidatePrefix(prefix string) error {
	if !validPrefix.MatchString(prefix) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidPrefix, prefix, validPrefix.String())
	}
	return nil
}

// SecretName returns the remote key of chunk index (0-based) as {PREFIX}_CHUNK_{index+1}.
func SecretName(prefix string, index int) string {
	return prefix + secretSep + strconv.Itoa(index+1)
}

// ScratchName returns the local file name of chunk index as {prefix}_chunk_{index}.
func ScratchName(prefix string, index int) string {
	return prefix + "_chunk_" + strconv.Itoa(index)
}

// ParseSecretName is the inverse of SecretName. It returns the 0-based index.
func ParseSecretName(name string) (prefix string, index int, ok bool) {
	i := strings.LastIndex(name, secretSep)
	if i <= 0 {
		return "", 0, false
	}
	prefix = name[:i]
	digits := name[i+len(secretSep):]
	if digits == "" || digits[0] == '0' {
		return "", 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return "", 0, false
	}
	if !validPrefix.MatchString(prefix) {
		return "", 0, false
	}
	return prefix, n - 1, true
}

// TransportError wraps a failure talking to a remote store.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
