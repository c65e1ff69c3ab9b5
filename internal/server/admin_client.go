package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kilupskalvis/sheetsync/internal/core"
)

// AdminClient talks to the /admin endpoints of a running server.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAdminClient creates an admin API client. Warns if baseURL uses http://.
func NewAdminClient(baseURL, token string) *AdminClient {
	if strings.HasPrefix(baseURL, "http://") {
		fmt.Fprintf(os.Stderr, "warning: sending credentials over unencrypted HTTP connection\n")
	}
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AdminTokenCreateResponse is the decoded response from POST /admin/tokens.
type AdminTokenCreateResponse = tokenCreateResponse

// AdminTokenInfo is one entry in the GET /admin/tokens response.
type AdminTokenInfo = tokenEntry

// AdminError is a non-2xx admin API response.
type AdminError struct {
	Status  int
	Code    string
	Message string
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func (c *AdminClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func (c *AdminClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAdminError(resp)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeAdminError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return &AdminError{Status: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return &AdminError{Status: resp.StatusCode, Code: body.Error, Message: body.Message}
}

// CreateToken calls POST /admin/tokens. The raw token is only available in the response.
func (c *AdminClient) CreateToken(ctx context.Context, desc, role string) (*AdminTokenCreateResponse, error) {
	req := tokenCreateRequest{Description: desc, Role: role}
	var resp AdminTokenCreateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/admin/tokens", req, &resp); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &resp, nil
}

// ListTokens calls GET /admin/tokens.
func (c *AdminClient) ListTokens(ctx context.Context) ([]AdminTokenInfo, error) {
	var tokens []AdminTokenInfo
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/admin/tokens", nil, &tokens); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// DeleteToken calls DELETE /admin/tokens/{id}.
func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/admin/tokens/"+id, nil, nil)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("delete token: %w", decodeAdminError(resp))
	}
	return nil
}

// Prune calls POST /admin/prune.
func (c *AdminClient) Prune(ctx context.Context, dryRun bool) (*core.PruneResult, error) {
	url := c.baseURL + "/admin/prune"
	if dryRun {
		url += "?dry_run=true"
	}
	var result core.PruneResult
	if err := c.doJSON(ctx, http.MethodPost, url, nil, &result); err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	return &result, nil
}
