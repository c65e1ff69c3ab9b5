package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/sheetsync/internal/chunk"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/kilupskalvis/sheetsync/internal/config"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/kilupskalvis/sheetsync/internal/github"
	"github.com/kilupskalvis/sheetsync/internal/ledger"
)

// Publisher splits uploaded spreadsheets and hands them to CI.
type Publisher interface {
	Publish(ctx context.Context, uploads []core.Upload, actor string) (*core.PublishResult, error)
}

// RunLister reads the run history.
type RunLister interface {
	List(ctx context.Context, q ledger.Query) ([]*ledger.Run, error)
}

// PruneFunc removes stale chunk secrets.
type PruneFunc func(ctx context.Context, dryRun bool) (*core.PruneResult, error)

// Services are the backends the handlers call. Runs and Prune may be nil.
type Services struct {
	Publisher Publisher
	Runs      RunLister
	Prune     PruneFunc
}

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	Files             []config.FileSpec
	MaxFileBytes      int64  // per uploaded file
	RequestsPerMinute int    // per-token rate limit
	AdminToken        string // for admin endpoints
	AllowedOrigin     string // CORS origin of the upload form
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Files:             config.DefaultFiles(),
		MaxFileBytes:      config.DefaultMaxFileBytes,
		RequestsPerMinute: 30,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(svc *Services, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if svc == nil {
		svc = &Services{}
	}
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := authMiddleware(tokens, logger)

	// Execution order: auth -> requireRole -> rl -> handler
	withRole := func(h http.HandlerFunc, roles ...string) http.Handler {
		return applyMiddleware(h, auth, requireRole(roles...), rl.middleware)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := tokens.ListTokens(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(tokens, logger))
		adminMux.HandleFunc("POST /admin/prune", makeAdminPruneHandler(svc.Prune, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	mux.Handle("POST /api/update-excel-files", withRole(makeUploadHandler(svc.Publisher, cfg, logger), RoleAdmin, RoleUpload))
	mux.Handle("GET /api/v1/runs", withRole(makeRunsHandler(svc.Runs), RoleAdmin, RoleUpload, RoleRead))

	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		corsMiddleware(cfg.AllowedOrigin),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Upload ---

func makeUploadHandler(pub Publisher, cfg *ServerConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pub == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "publisher not configured")
			return
		}

		// Room for every file plus multipart framing.
		limit := int64(len(cfg.Files))*cfg.MaxFileBytes + 1<<20
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart form: "+err.Error())
			return
		}
		defer r.MultipartForm.RemoveAll()

		uploads := make([]core.Upload, 0, len(cfg.Files))
		for _, spec := range cfg.Files {
			u, status, code, err := readUpload(r, spec, cfg.MaxFileBytes)
			if err != nil {
				writeError(w, status, code, err.Error())
				return
			}
			uploads = append(uploads, u)
		}

		actor := actorFromContext(r.Context())
		logger.Info("upload received", "files", len(uploads), "actor", actor)

		result, err := pub.Publish(r.Context(), uploads, actor)
		if err != nil {
			status, code := publishErrorStatus(err)
			body := map[string]interface{}{
				"error":   code,
				"message": err.Error(),
			}
			if result != nil {
				body["runId"] = result.RunID
				body["reports"] = result.Reports
			}
			writeJSON(w, status, body)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":    "Files uploaded and rebuild triggered",
			"runId":      result.RunID,
			"commitSha":  result.CommitSHA,
			"dispatched": result.Dispatched,
			"manifest":   result.Manifest,
			"reports":    result.Reports,
		})
	}
}

// readUpload reads one configured form field and enforces the extension and size limits.
func readUpload(r *http.Request, spec config.FileSpec, maxBytes int64) (core.Upload, int, string, error) {
	f, header, err := r.FormFile(spec.Field)
	if err != nil {
		return core.Upload{}, http.StatusBadRequest, "bad_request", fmt.Errorf("missing file field %s", spec.Field)
	}
	defer f.Close()

	if spec.Extension != "" && !strings.EqualFold(filepath.Ext(header.Filename), spec.Extension) {
		return core.Upload{}, http.StatusBadRequest, "invalid_file_type",
			fmt.Errorf("invalid %s file type: expected %s", spec.Field, spec.Extension)
	}
	if header.Size > maxBytes {
		return core.Upload{}, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Errorf("%s exceeds %d bytes", spec.Field, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return core.Upload{}, http.StatusBadRequest, "bad_request", fmt.Errorf("read %s: %w", spec.Field, err)
	}
	if int64(len(data)) > maxBytes {
		return core.Upload{}, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Errorf("%s exceeds %d bytes", spec.Field, maxBytes)
	}

	return core.Upload{Prefix: spec.Prefix, Name: spec.Name, Data: data}, 0, "", nil
}

// publishErrorStatus maps pipeline errors to an HTTP status and error code.
func publishErrorStatus(err error) (int, string) {
	var (
		transport *chunkstore.TransportError
		apiErr    *github.APIError
	)
	switch {
	case errors.Is(err, chunk.ErrEmptySource):
		return http.StatusBadRequest, "empty_file"
	case errors.Is(err, core.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge, "chunk_too_large"
	case errors.As(err, &transport), errors.As(err, &apiErr):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// --- Runs ---

func makeRunsHandler(runs RunLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			writeError(w, http.StatusNotImplemented, "not_implemented", "run history not configured")
			return
		}

		q := ledger.Query{
			Limit:  50,
			Prefix: r.URL.Query().Get("prefix"),
			RunID:  r.URL.Query().Get("run_id"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
				return
			}
			q.Limit = n
		}

		list, err := runs.List(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if list == nil {
			list = []*ledger.Run{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin Auth ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Token Handlers ---

type tokenCreateRequest struct {
	Description string `json:"description"`
	Role        string `json:"role"`
}

type tokenCreateResponse struct {
	Token       string `json:"token"`
	ID          string `json:"id"`
	Description string `json:"description"`
	Role        string `json:"role"`
}

type tokenEntry struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Role        string `json:"role"`
	CreatedAt   string `json:"created_at"`
	LastUsedAt  string `json:"last_used_at,omitempty"`
}

func makeAdminCreateTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenCreateRequest
		if err := readJSON(r, 1<<20, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
			return
		}
		if req.Role == "" {
			req.Role = RoleUpload
		}
		if !ValidRole(req.Role) {
			writeError(w, http.StatusBadRequest, "bad_request", "role must be 'admin', 'upload' or 'read'")
			return
		}

		rawToken, info, err := tokens.CreateToken(req.Description, req.Role)
		if err != nil {
			logger.Error("create token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, &tokenCreateResponse{
			Token:       rawToken,
			ID:          info.ID,
			Description: info.Desc,
			Role:        info.Role,
		})
	}
}

func makeAdminListTokensHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListTokens()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		// Metadata only, never hashes.
		entries := make([]tokenEntry, len(list))
		for i, t := range list {
			entries[i] = tokenEntry{
				ID:          t.ID,
				Description: t.Desc,
				Role:        t.Role,
				CreatedAt:   t.CreatedAt.Format(time.RFC3339),
			}
			if t.LastUsedAt != nil {
				entries[i].LastUsedAt = t.LastUsedAt.Format(time.RFC3339)
			}
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "token ID required")
			return
		}

		if err := tokens.DeleteToken(id); err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// makeAdminPruneHandler deletes chunk secrets left over from a larger chunk count.
func makeAdminPruneHandler(prune PruneFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if prune == nil {
			writeError(w, http.StatusNotImplemented, "not_implemented", "prune not configured")
			return
		}

		dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
		result, err := prune(r.Context(), dryRun)
		if err != nil {
			logger.Error("prune", "error", err)
			status, code := publishErrorStatus(err)
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}
