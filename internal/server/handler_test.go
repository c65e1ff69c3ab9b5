package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/kilupskalvis/sheetsync/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-secret"

// fakePublisher records uploads and returns a canned result.
type fakePublisher struct {
	mu      sync.Mutex
	uploads []core.Upload
	actor   string
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, uploads []core.Upload, actor string) (*core.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = uploads
	f.actor = actor
	res := &core.PublishResult{RunID: "run-1", CommitSHA: "abc", Dispatched: true}
	if f.err != nil {
		return res, f.err
	}
	return res, nil
}

type testEnv struct {
	srv    *httptest.Server
	tokens *FileTokenStore
	raw    map[string]string // role -> raw token
}

func newTestEnv(t *testing.T, svc *Services, mutate func(cfg *ServerConfig)) *testEnv {
	t.Helper()

	tokens := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"), nil)
	raw := make(map[string]string)
	for _, role := range []string{RoleAdmin, RoleUpload, RoleRead} {
		token, _, err := tokens.CreateToken(role+"-user", role)
		require.NoError(t, err)
		raw[role] = token
	}

	cfg := DefaultServerConfig()
	cfg.AdminToken = testAdminToken
	cfg.RequestsPerMinute = 0
	if mutate != nil {
		mutate(cfg)
	}

	h, cleanup := Handler(svc, tokens, cfg, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		cleanup()
	})
	return &testEnv{srv: srv, tokens: tokens, raw: raw}
}

type formFile struct {
	field, filename string
	content         []byte
}

func multipartBody(t *testing.T, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.filename)
		require.NoError(t, err)
		_, err = part.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func validFiles() []formFile {
	return []formFile{
		{"inventoryFile", "inventory.xlsx", bytes.Repeat([]byte("inv"), 500)},
		{"catalogFile", "catalog.xls", bytes.Repeat([]byte("cat"), 700)},
	}
}

func (e *testEnv) upload(t *testing.T, token string, files ...formFile) (*http.Response, map[string]interface{}) {
	t.Helper()
	body, contentType := multipartBody(t, files...)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/update-excel-files", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, &Services{}, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(e.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	}
}

func TestUpload_RequiresAuth(t *testing.T) {
	e := newTestEnv(t, &Services{Publisher: &fakePublisher{}}, nil)

	resp, out := e.upload(t, "", validFiles()...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_failed", out["error"])

	resp, out = e.upload(t, "not-a-token", validFiles()...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid token", out["message"])
}

func TestUpload_ReadRoleForbidden(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEnv(t, &Services{Publisher: pub}, nil)

	resp, out := e.upload(t, e.raw[RoleRead], validFiles()...)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", out["error"])
	assert.Nil(t, pub.uploads)
}

func TestUpload_Success(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEnv(t, &Services{Publisher: pub}, nil)

	for _, role := range []string{RoleUpload, RoleAdmin} {
		resp, out := e.upload(t, e.raw[role], validFiles()...)
		require.Equal(t, http.StatusOK, resp.StatusCode, role)
		assert.Equal(t, "run-1", out["runId"])
		assert.Equal(t, true, out["dispatched"])
		assert.Equal(t, role+"-user", pub.actor)
	}

	require.Len(t, pub.uploads, 2)
	assert.Equal(t, "INVENTORY_FILE", pub.uploads[0].Prefix)
	assert.Equal(t, "inventory.xlsx", pub.uploads[0].Name)
	assert.Len(t, pub.uploads[0].Data, 1500)
	assert.Equal(t, "CATALOG_FILE", pub.uploads[1].Prefix)
	assert.Len(t, pub.uploads[1].Data, 2100)
}

func TestUpload_Validation(t *testing.T) {
	files := validFiles()
	tests := []struct {
		name   string
		files  []formFile
		status int
		code   string
	}{
		{"missing catalog", files[:1], http.StatusBadRequest, "bad_request"},
		{"inventory as xls", []formFile{{"inventoryFile", "inventory.xls", []byte("x")}, files[1]}, http.StatusBadRequest, "invalid_file_type"},
		{"catalog as xlsx", []formFile{files[0], {"catalogFile", "catalog.xlsx", []byte("x")}}, http.StatusBadRequest, "invalid_file_type"},
		{"uppercase extension accepted", []formFile{{"inventoryFile", "INVENTORY.XLSX", []byte("x")}, files[1]}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, &Services{Publisher: &fakePublisher{}}, nil)
			resp, out := e.upload(t, e.raw[RoleUpload], tt.files...)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, out["error"])
			}
		})
	}
}

func TestUpload_FileTooLarge(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEnv(t, &Services{Publisher: pub}, func(cfg *ServerConfig) {
		cfg.MaxFileBytes = 1000
	})

	resp, out := e.upload(t, e.raw[RoleUpload], validFiles()...)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "file_too_large", out["error"])
	assert.Nil(t, pub.uploads)
}

func TestUpload_PublishErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"transport", fmt.Errorf("publish: %w", &chunkstore.TransportError{Op: "put", Key: "A_CHUNK_1", Err: fmt.Errorf("502")}), http.StatusBadGateway, "upstream_error"},
		{"too large", fmt.Errorf("publish: %w", core.ErrChunkTooLarge), http.StatusRequestEntityTooLarge, "chunk_too_large"},
		{"other", fmt.Errorf("publish: boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, &Services{Publisher: &fakePublisher{err: tt.err}}, nil)
			resp, out := e.upload(t, e.raw[RoleUpload], validFiles()...)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, out["error"])
			assert.Equal(t, "run-1", out["runId"])
		})
	}
}

func TestUpload_EndToEndWithPublisher(t *testing.T) {
	dest := chunkstore.NewMemStore()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	pub := core.NewPublisher(core.Options{ChunkCount: 8, ScratchDir: t.TempDir()}, dest, l, nil, nil, core.PublishConfig{})
	e := newTestEnv(t, &Services{Publisher: pub, Runs: l}, nil)

	resp, out := e.upload(t, e.raw[RoleUpload], validFiles()...)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)

	names, err := dest.ListNames(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 16)
	assert.Contains(t, names, "INVENTORY_FILE_CHUNK_1")
	assert.Contains(t, names, "CATALOG_FILE_CHUNK_8")

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/runs?prefix=CATALOG_FILE", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.raw[RoleRead])
	runsResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer runsResp.Body.Close()
	require.Equal(t, http.StatusOK, runsResp.StatusCode)

	var runs []*ledger.Run
	require.NoError(t, json.NewDecoder(runsResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, out["runId"], runs[0].RunID)
	assert.Equal(t, "upload-user", runs[0].Actor)
	assert.True(t, runs[0].Report.Success)
	assert.Equal(t, int64(2100), runs[0].Report.OriginalSize)
}

func TestUpload_EmptyFileRejected(t *testing.T) {
	pub := core.NewPublisher(core.Options{ChunkCount: 8, ScratchDir: t.TempDir()}, chunkstore.NewMemStore(), nil, nil, nil, core.PublishConfig{})
	e := newTestEnv(t, &Services{Publisher: pub}, nil)

	files := validFiles()
	files[1].content = nil
	resp, out := e.upload(t, e.raw[RoleUpload], files...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty_file", out["error"])
	assert.NotEmpty(t, out["reports"])
}

func TestRuns_NotConfigured(t *testing.T) {
	e := newTestEnv(t, &Services{}, nil)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.raw[RoleRead])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestRuns_BadLimit(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	e := newTestEnv(t, &Services{Runs: l}, nil)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/runs?limit=-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.raw[RoleAdmin])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, &Services{Publisher: &fakePublisher{}}, func(cfg *ServerConfig) {
		cfg.RequestsPerMinute = 1
	})

	resp, _ := e.upload(t, e.raw[RoleUpload], validFiles()...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := e.upload(t, e.raw[RoleUpload], validFiles()...)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", out["error"])
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	// Limits are per token.
	resp, _ = e.upload(t, e.raw[RoleAdmin], validFiles()...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, &Services{Publisher: &fakePublisher{}}, func(cfg *ServerConfig) {
		cfg.AllowedOrigin = "https://shop.example"
	})

	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/update-excel-files", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	// Browsers send request header names lowercased.
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://shop.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://shop.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAdmin_Tokens(t *testing.T) {
	e := newTestEnv(t, &Services{}, nil)
	ctx := context.Background()

	bad := NewAdminClient(e.srv.URL, "wrong")
	_, err := bad.ListTokens(ctx)
	var ae *AdminError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)

	c := NewAdminClient(e.srv.URL, testAdminToken)

	created, err := c.CreateToken(ctx, "ci deploy", RoleUpload)
	require.NoError(t, err)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "ci deploy", created.Description)

	resp, _ := e.upload(t, created.Token, validFiles()...)
	assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)

	list, err := c.ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 4)

	_, err = c.CreateToken(ctx, "x", "superuser")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.Status)

	require.NoError(t, c.DeleteToken(ctx, created.ID))
	err = c.DeleteToken(ctx, created.ID)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)

	resp, _ = e.upload(t, created.Token, validFiles()...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	e := newTestEnv(t, &Services{}, func(cfg *ServerConfig) {
		cfg.AdminToken = ""
	})

	_, err := NewAdminClient(e.srv.URL, "").ListTokens(context.Background())
	var ae *AdminError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
}

func TestAdmin_Prune(t *testing.T) {
	ctx := context.Background()
	vault := chunkstore.NewMemStore()
	for i := 0; i < 10; i++ {
		require.NoError(t, vault.Put(ctx, "INVENTORY_FILE", i, "x"))
	}
	prune := func(ctx context.Context, dryRun bool) (*core.PruneResult, error) {
		return core.Prune(ctx, vault, []string{"INVENTORY_FILE"}, 8, dryRun, nil)
	}
	e := newTestEnv(t, &Services{Prune: prune}, nil)
	c := NewAdminClient(e.srv.URL, testAdminToken)

	result, err := c.Prune(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"INVENTORY_FILE_CHUNK_10", "INVENTORY_FILE_CHUNK_9"}, result.Stale)
	assert.Equal(t, 0, result.Deleted)

	result, err = c.Prune(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)

	names, err := vault.ListNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 8)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}
