package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Roles a token can carry.
const (
	RoleAdmin  = "admin"
	RoleUpload = "upload"
	RoleRead   = "read"
)

// ErrTokenNotFound is returned when deleting an unknown token.
var ErrTokenNotFound = errors.New("token not found")

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleUpload, RoleRead:
		return true
	}
	return false
}

// TokenInfo holds the metadata for an authenticated token.
type TokenInfo struct {
	ID         string     `json:"id"`
	TokenHash  string     `json:"token_hash"`
	Desc       string     `json:"description"`
	Role       string     `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	UpdateLastUsed(id string) error
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(desc, role string) (rawToken string, info *TokenInfo, err error)
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// FileTokenStore keeps hashed tokens in memory and persists them to a JSON file.
type FileTokenStore struct {
	path   string
	mu     sync.RWMutex
	tokens map[string]*TokenInfo // keyed by token_hash
	logger *slog.Logger

	saveMu sync.Mutex // serializes snapshot and write
}

// NewFileTokenStore creates a store backed by path. Call Load to read existing tokens.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileTokenStore{
		path:   path,
		tokens: make(map[string]*TokenInfo),
		logger: logger,
	}
}

// Load replaces the in-memory tokens with the file contents.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var tokens []*TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]*TokenInfo)
	for _, t := range tokens {
		s.tokens[t.TokenHash] = t
	}

	s.logger.Info("loaded tokens", "count", len(tokens))
	return nil
}

// GetByHash returns a copy of the token with the given hash, or nil.
func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.tokens[hash]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

// UpdateLastUsed stamps the token in memory. It is persisted with the next Save.
func (s *FileTokenStore) UpdateLastUsed(id string) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.ID == id {
			t.LastUsedAt = &now
			return nil
		}
	}
	return ErrTokenNotFound
}

// Save writes all tokens to the backing file through a temp file and rename.
func (s *FileTokenStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tokens, _ := s.ListTokens()
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tokens: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync tokens: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tokens: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod tokens: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// CreateToken issues a new random token. The raw value is only returned here.
func (s *FileTokenStore) CreateToken(desc, role string) (string, *TokenInfo, error) {
	if !ValidRole(role) {
		return "", nil, fmt.Errorf("invalid role %q", role)
	}

	rawToken := "sst_" + generateID()
	info := &TokenInfo{
		ID:        generateID(),
		TokenHash: HashToken(rawToken),
		Desc:      desc,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.tokens[info.TokenHash] = info
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return "", nil, fmt.Errorf("persist token: %w", err)
	}

	cp := *info
	return rawToken, &cp, nil
}

// ListTokens returns copies of all tokens ordered by creation time.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	tokens := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		tokens = append(tokens, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].ID < tokens[j].ID
		}
		return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
	})
	return tokens, nil
}

// DeleteToken removes the token with the given id.
func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	found := false
	for hash, t := range s.tokens {
		if t.ID == id {
			delete(s.tokens, hash)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	return s.Save()
}

func generateID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
