package chunkstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/kilupskalvis/sheetsync/internal/github"
	"github.com/kilupskalvis/sheetsync/internal/seal"
)

// SecretAPI is the subset of the GitHub client that backs a SecretStore.
type SecretAPI interface {
	GetPublicKey(ctx context.Context) (*github.PublicKey, error)
	PutSecret(ctx context.Context, name, encryptedValue, keyID string) error
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) ([]*github.Secret, error)
}

// LookupFunc resolves a secret name to its plaintext value.
type LookupFunc func(name string) (string, bool)

// SecretStore writes chunks as sealed repository secrets and reads them back
// from the environment a workflow exposes them in. It is meant to live for
// one pipeline run: the repository public key is fetched once and cached.
type SecretStore struct {
	api    SecretAPI
	sealer seal.Sealer
	lookup LookupFunc

	mu  sync.Mutex
	key *github.PublicKey
}

var (
	_ Store  = (*SecretStore)(nil)
	_ Lister = (*SecretStore)(nil)
)

// NewSecretStore creates a store. A nil api makes the store read-only, a nil
// sealer defaults to seal.BoxSealer and a nil lookup defaults to os.LookupEnv.
func NewSecretStore(api SecretAPI, sealer seal.Sealer, lookup LookupFunc) *SecretStore {
	if sealer == nil {
		sealer = seal.BoxSealer{}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &SecretStore{api: api, sealer: sealer, lookup: lookup}
}

// Put seals value with the repository key and upserts the chunk's secret.
func (s *SecretStore) Put(ctx context.Context, prefix string, index int, value string) error {
	if s.api == nil {
		return ErrReadOnly
	}
	name := SecretName(prefix, index)

	key, err := s.publicKey(ctx)
	if err != nil {
		return err
	}

	sealed, err := seal.SealString(s.sealer, value, key.Key)
	if err != nil {
		return &TransportError{Op: "seal", Key: name, Err: err}
	}

	if err := s.api.PutSecret(ctx, name, sealed, key.KeyID); err != nil {
		return &TransportError{Op: "put", Key: name, Err: err}
	}
	return nil
}

// Get returns the chunk value exposed under its secret name. A variable that
// is set but empty is an empty chunk, not a missing one.
func (s *SecretStore) Get(ctx context.Context, prefix string, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := SecretName(prefix, index)
	value, ok := s.lookup(name)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

// ListNames returns the names of all repository secrets, sorted.
func (s *SecretStore) ListNames(ctx context.Context) ([]string, error) {
	if s.api == nil {
		return nil, ErrReadOnly
	}
	secrets, err := s.api.ListSecrets(ctx)
	if err != nil {
		return nil, &TransportError{Op: "list", Err: err}
	}
	names := make([]string, 0, len(secrets))
	for _, sec := range secrets {
		names = append(names, sec.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a repository secret.
func (s *SecretStore) Delete(ctx context.Context, name string) error {
	if s.api == nil {
		return ErrReadOnly
	}
	if err := s.api.DeleteSecret(ctx, name); err != nil {
		return &TransportError{Op: "delete", Key: name, Err: err}
	}
	return nil
}

func (s *SecretStore) publicKey(ctx context.Context) (*github.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		return s.key, nil
	}
	key, err := s.api.GetPublicKey(ctx)
	if err != nil {
		return nil, &TransportError{Op: "public-key", Err: err}
	}
	s.key = key
	return key, nil
}
