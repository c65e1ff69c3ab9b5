package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *core.PublishEvent {
	return &core.PublishEvent{
		RunID:     "run-7",
		Actor:     "alice",
		CommitSHA: "c0ffee",
		Manifest: &core.Manifest{
			ChunkCount: 8,
			Files:      []core.ManifestFile{{Prefix: "INVENTORY_FILE", Name: "inventory.xlsx", SHA256: "ab", Size: 10}},
		},
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewWebhookNotifier_NilConfig(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier(nil, slog.Default()))
	assert.Nil(t, NewWebhookNotifier(&WebhookConfig{URLs: nil}, slog.Default()))
}

func TestWebhookNotifier_NilReceiver(t *testing.T) {
	// Should not panic
	var wn *WebhookNotifier
	wn.Notify(testEvent())
	wn.Wait()
}

func TestWebhookNotifier_SatisfiesNotifier(t *testing.T) {
	var _ core.Notifier = (*WebhookNotifier)(nil)
}

func TestWebhookNotifier_Notify(t *testing.T) {
	type delivery struct {
		event     WebhookEvent
		signature string
		body      []byte
	}
	got := make(chan delivery, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- delivery{ev, r.Header.Get(SignatureHeader), body}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}, Secret: "s3cret"}, slog.New(slog.DiscardHandler))
	require.NotNil(t, wn)
	wn.Notify(testEvent())

	select {
	case d := <-got:
		assert.Equal(t, "publish", d.event.Event)
		assert.Equal(t, "run-7", d.event.RunID)
		assert.Equal(t, "c0ffee", d.event.CommitSHA)
		require.Len(t, d.event.Files, 1)
		assert.Equal(t, "INVENTORY_FILE", d.event.Files[0].Prefix)
		assert.Equal(t, "2026-05-01T12:00:00Z", d.event.Timestamp)
		assert.Equal(t, "sha256="+Sign("s3cret", d.body), d.signature)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestWebhookNotifier_NoSignatureWithoutSecret(t *testing.T) {
	got := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(SignatureHeader)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.New(slog.DiscardHandler))
	wn.Notify(testEvent())

	select {
	case sig := <-got:
		assert.Empty(t, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.New(slog.DiscardHandler))
	wn.backoff = time.Millisecond

	require.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.New(slog.DiscardHandler))
	wn.backoff = time.Millisecond

	err := wn.post(ts.URL, []byte(`{}`))
	assert.ErrorContains(t, err, "HTTP 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_AllURLs(t *testing.T) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	hits := map[string]int{}

	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			wg.Done()
		}
	}
	a := httptest.NewServer(handler("a"))
	defer a.Close()
	b := httptest.NewServer(handler("b"))
	defer b.Close()

	wg.Add(2)
	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{a.URL, b.URL}}, slog.New(slog.DiscardHandler))
	wn.Notify(testEvent())
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, hits)
}

func TestWebhookNotifier_Wait(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.New(slog.DiscardHandler))
	wn.Notify(testEvent())
	wn.Notify(testEvent())
	wn.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestSign(t *testing.T) {
	// Well-known HMAC-SHA256 test vector.
	assert.Equal(t,
		"f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
	assert.NotEqual(t, Sign("a", []byte("x")), Sign("b", []byte("x")))
}
