package chunkstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/sheetsync/internal/chunk"
)

// FSStore implements Store on the local filesystem. Chunks are kept as raw
// bytes, one file per chunk, and converted to base64 at the boundary.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem-backed chunk store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// NewTempFSStore creates a store in a fresh directory under parent
// (os.TempDir when empty). Callers remove it with Clean.
func NewTempFSStore(parent, pattern string) (*FSStore, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0700); err != nil {
			return nil, fmt.Errorf("create scratch parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Dir returns the store's root directory.
func (s *FSStore) Dir() string {
	return s.root
}

// Put decodes value and writes the raw chunk bytes atomically.
func (s *FSStore) Put(ctx context.Context, prefix string, index int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := chunk.Decode(value)
	if err != nil {
		return fmt.Errorf("put %s: %w", ScratchName(prefix, index), err)
	}

	tmpFile, err := os.CreateTemp(s.root, ".chunk-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write chunk data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(prefix, index)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}

// Get reads a chunk and returns it base64 encoded.
func (s *FSStore) Get(ctx context.Context, prefix string, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.path(prefix, index))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", ScratchName(prefix, index), ErrNotFound)
		}
		return "", fmt.Errorf("read chunk %s: %w", ScratchName(prefix, index), err)
	}
	return chunk.Encode(data), nil
}

// Clean removes the store directory and everything in it.
func (s *FSStore) Clean() error {
	return os.RemoveAll(s.root)
}

func (s *FSStore) path(prefix string, index int) string {
	return filepath.Join(s.root, ScratchName(prefix, index))
}
