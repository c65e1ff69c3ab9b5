package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSecrets = []byte("secrets")

// record is the stored form of one secret.
type record struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BoltStore implements Store and Lister on a bbolt database. It keeps values
// under the same names a SecretStore would use, which lets the pipeline run
// against a self-hosted vault.
type BoltStore struct {
	db *bolt.DB
}

var (
	_ Store  = (*BoltStore)(nil)
	_ Lister = (*BoltStore)(nil)
)

// NewBoltStore opens or creates a bbolt database at the given path.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create vault directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSecrets); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketSecrets, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores value under the chunk's secret name.
func (s *BoltStore) Put(ctx context.Context, prefix string, index int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := SecretName(prefix, index)
	data, err := json.Marshal(record{Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSecrets).Put([]byte(name), data); err != nil {
			return fmt.Errorf("store %s: %w", name, err)
		}
		return nil
	})
}

// Get returns the value stored under the chunk's secret name.
func (s *BoltStore) Get(ctx context.Context, prefix string, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := SecretName(prefix, index)
	var rec record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", err
	}
	return rec.Value, nil
}

// ListNames returns every stored secret name in key order.
func (s *BoltStore) ListNames(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Delete removes a secret. No error if it doesn't exist.
func (s *BoltStore) Delete(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(name))
	})
}
