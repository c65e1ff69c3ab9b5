package github

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

var _ Client = (*RetryClient)(nil)

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying. GitHub reports
// secondary rate limits as 403 with a message, so those are retried too.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if ae.Status == http.StatusForbidden && isRateLimitMessage(ae.Message) {
			return true
		}
		return ae.Status >= 500 || ae.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

func isRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "api rate limit exceeded") || strings.Contains(msg, "secondary rate limit")
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

func (rc *RetryClient) GetPublicKey(ctx context.Context) (key *PublicKey, err error) {
	err = rc.retry(ctx, "get public key", func() error {
		key, err = rc.inner.GetPublicKey(ctx)
		return err
	})
	return
}

// PutSecret is an idempotent upsert, so retrying it is safe.
func (rc *RetryClient) PutSecret(ctx context.Context, name, encryptedValue, keyID string) error {
	return rc.retry(ctx, "put secret", func() error {
		return rc.inner.PutSecret(ctx, name, encryptedValue, keyID)
	})
}

func (rc *RetryClient) DeleteSecret(ctx context.Context, name string) error {
	return rc.retry(ctx, "delete secret", func() error {
		return rc.inner.DeleteSecret(ctx, name)
	})
}

func (rc *RetryClient) ListSecrets(ctx context.Context) (secrets []*Secret, err error) {
	err = rc.retry(ctx, "list secrets", func() error {
		secrets, err = rc.inner.ListSecrets(ctx)
		return err
	})
	return
}

func (rc *RetryClient) GetRef(ctx context.Context, ref string) (r *Ref, err error) {
	err = rc.retry(ctx, "get ref", func() error {
		r, err = rc.inner.GetRef(ctx, ref)
		return err
	})
	return
}

func (rc *RetryClient) GetCommit(ctx context.Context, sha string) (c *Commit, err error) {
	err = rc.retry(ctx, "get commit", func() error {
		c, err = rc.inner.GetCommit(ctx, sha)
		return err
	})
	return
}

func (rc *RetryClient) CreateBlob(ctx context.Context, content []byte) (sha string, err error) {
	err = rc.retry(ctx, "create blob", func() error {
		sha, err = rc.inner.CreateBlob(ctx, content)
		return err
	})
	return
}

func (rc *RetryClient) CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (sha string, err error) {
	err = rc.retry(ctx, "create tree", func() error {
		sha, err = rc.inner.CreateTree(ctx, baseTree, entries)
		return err
	})
	return
}

func (rc *RetryClient) CreateCommit(ctx context.Context, message, tree string, parents []string) (sha string, err error) {
	err = rc.retry(ctx, "create commit", func() error {
		sha, err = rc.inner.CreateCommit(ctx, message, tree, parents)
		return err
	})
	return
}

func (rc *RetryClient) UpdateRef(ctx context.Context, ref, sha string) error {
	// A rejected fast-forward is a conflict, not a transient failure.
	return rc.inner.UpdateRef(ctx, ref, sha)
}

func (rc *RetryClient) DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error {
	return rc.retry(ctx, "dispatch workflow", func() error {
		return rc.inner.DispatchWorkflow(ctx, workflow, ref, inputs)
	})
}
