package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSkew is how long before expiry a cached installation token is replaced.
const tokenSkew = time.Minute

// AppTokenSource authenticates as a GitHub App installation. It signs a short
// JWT with the app's private key, exchanges it for an installation token and
// caches that token until shortly before it expires.
type AppTokenSource struct {
	baseURL        string
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	httpClient     *http.Client
	now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ TokenSource = (*AppTokenSource)(nil)

// NewAppTokenSource parses privateKeyPEM (PKCS#1 or PKCS#8) and returns a token source.
func NewAppTokenSource(baseURL string, appID, installationID int64, privateKeyPEM []byte) (*AppTokenSource, error) {
	if appID <= 0 || installationID <= 0 {
		return nil, fmt.Errorf("github app: app id and installation id are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("github app: parse private key: %w", err)
	}
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &AppTokenSource{
		baseURL:        strings.TrimRight(baseURL, "/"),
		appID:          appID,
		installationID: installationID,
		key:            key,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
	}, nil
}

// Token returns a valid installation token, minting a new one when needed.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires.Add(-tokenSkew)) {
		return s.token, nil
	}

	appJWT, err := s.appJWT()
	if err != nil {
		return "", err
	}

	tok, err := s.exchange(ctx, appJWT)
	if err != nil {
		return "", err
	}

	s.token = tok.Token
	s.expires = tok.ExpiresAt
	return s.token, nil
}

// appJWT signs the app assertion. GitHub caps its lifetime at ten minutes and
// recommends backdating iat to absorb clock drift.
func (s *AppTokenSource) appJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("github app: sign jwt: %w", err)
	}
	return signed, nil
}

func (s *AppTokenSource) exchange(ctx context.Context, appJWT string) (*InstallationToken, error) {
	u := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github app: request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("github app: request installation token: %w", decodeError(resp))
	}

	var tok InstallationToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("github app: decode installation token: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("github app: empty installation token")
	}
	return &tok, nil
}
