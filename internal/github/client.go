package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

const apiVersion = "2022-11-28"

// Client defines the GitHub operations used by the publish pipeline.
type Client interface {
	GetPublicKey(ctx context.Context) (*PublicKey, error)
	PutSecret(ctx context.Context, name, encryptedValue, keyID string) error
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) ([]*Secret, error)

	GetRef(ctx context.Context, ref string) (*Ref, error)
	GetCommit(ctx context.Context, sha string) (*Commit, error)
	CreateBlob(ctx context.Context, content []byte) (string, error)
	CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, message, tree string, parents []string) (string, error)
	UpdateRef(ctx context.Context, ref, sha string) error

	DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a personal access token or any other fixed token.
type StaticToken string

// Token returns the token unchanged.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("github token is empty")
	}
	return string(t), nil
}

// HTTPClient implements Client over the GitHub REST API for one repository.
type HTTPClient struct {
	baseURL    string
	owner      string
	repo       string
	tokens     TokenSource
	httpClient *http.Client
}

// NewHTTPClient creates a client for owner/repo. An empty baseURL means DefaultAPIURL.
func NewHTTPClient(baseURL, owner, repo string, tokens TokenSource) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		owner:      owner,
		repo:       repo,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) repoURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL, url.PathEscape(c.owner), url.PathEscape(c.repo), path)
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, u string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// GetPublicKey fetches the repository key used to seal Actions secrets.
func (c *HTTPClient) GetPublicKey(ctx context.Context) (*PublicKey, error) {
	var key PublicKey
	if err := c.doJSON(ctx, http.MethodGet, c.repoURL("/actions/secrets/public-key"), nil, &key); err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	return &key, nil
}

// PutSecret creates or updates an Actions secret with an already sealed value.
func (c *HTTPClient) PutSecret(ctx context.Context, name, encryptedValue, keyID string) error {
	req := &SecretPutRequest{EncryptedValue: encryptedValue, KeyID: keyID}
	if err := c.doJSON(ctx, http.MethodPut, c.repoURL("/actions/secrets/"+url.PathEscape(name)), req, nil); err != nil {
		return fmt.Errorf("put secret %s: %w", name, err)
	}
	return nil
}

// DeleteSecret removes an Actions secret. A missing secret is not an error.
func (c *HTTPClient) DeleteSecret(ctx context.Context, name string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.repoURL("/actions/secrets/"+url.PathEscape(name)), nil, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	return nil
}

// ListSecrets returns every Actions secret of the repository, following pagination.
func (c *HTTPClient) ListSecrets(ctx context.Context) ([]*Secret, error) {
	const perPage = 100

	var all []*Secret
	for page := 1; ; page++ {
		var list SecretList
		u := c.repoURL(fmt.Sprintf("/actions/secrets?per_page=%d&page=%d", perPage, page))
		if err := c.doJSON(ctx, http.MethodGet, u, nil, &list); err != nil {
			return nil, fmt.Errorf("list secrets: %w", err)
		}
		all = append(all, list.Secrets...)
		if len(list.Secrets) < perPage || len(all) >= list.TotalCount {
			break
		}
	}
	return all, nil
}

// GetRef resolves a ref such as "heads/main".
func (c *HTTPClient) GetRef(ctx context.Context, ref string) (*Ref, error) {
	var r Ref
	if err := c.doJSON(ctx, http.MethodGet, c.repoURL("/git/ref/"+ref), nil, &r); err != nil {
		return nil, fmt.Errorf("get ref %s: %w", ref, err)
	}
	return &r, nil
}

// GetCommit fetches a commit object.
func (c *HTTPClient) GetCommit(ctx context.Context, sha string) (*Commit, error) {
	var commit Commit
	if err := c.doJSON(ctx, http.MethodGet, c.repoURL("/git/commits/"+sha), nil, &commit); err != nil {
		return nil, fmt.Errorf("get commit %s: %w", sha, err)
	}
	return &commit, nil
}

// CreateBlob uploads content as a base64 blob and returns its SHA.
func (c *HTTPClient) CreateBlob(ctx context.Context, content []byte) (string, error) {
	req := &BlobRequest{
		Content:  base64.StdEncoding.EncodeToString(content),
		Encoding: "base64",
	}
	var resp created
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL("/git/blobs"), req, &resp); err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	return resp.SHA, nil
}

// CreateTree creates a tree on top of baseTree and returns its SHA.
func (c *HTTPClient) CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (string, error) {
	req := &TreeRequest{BaseTree: baseTree, Tree: entries}
	var resp created
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL("/git/trees"), req, &resp); err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}
	return resp.SHA, nil
}

// CreateCommit creates a commit and returns its SHA.
func (c *HTTPClient) CreateCommit(ctx context.Context, message, tree string, parents []string) (string, error) {
	req := &CommitRequest{Message: message, Tree: tree, Parents: parents}
	var resp created
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL("/git/commits"), req, &resp); err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}
	return resp.SHA, nil
}

// UpdateRef fast-forwards ref to sha.
func (c *HTTPClient) UpdateRef(ctx context.Context, ref, sha string) error {
	req := &RefUpdateRequest{SHA: sha}
	if err := c.doJSON(ctx, http.MethodPatch, c.repoURL("/git/refs/"+ref), req, nil); err != nil {
		return fmt.Errorf("update ref %s: %w", ref, err)
	}
	return nil
}

// DispatchWorkflow triggers workflow (file name or ID) on ref.
func (c *HTTPClient) DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error {
	req := &DispatchRequest{Ref: ref, Inputs: inputs}
	u := c.repoURL("/actions/workflows/" + url.PathEscape(workflow) + "/dispatches")
	if err := c.doJSON(ctx, http.MethodPost, u, req, nil); err != nil {
		return fmt.Errorf("dispatch workflow %s: %w", workflow, err)
	}
	return nil
}

// APIError is a non-2xx response from GitHub.
type APIError struct {
	Status           int
	Message          string
	DocumentationURL string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Message == "" {
		return &APIError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}

	return &APIError{
		Status:           resp.StatusCode,
		Message:          errResp.Message,
		DocumentationURL: errResp.DocumentationURL,
	}
}
