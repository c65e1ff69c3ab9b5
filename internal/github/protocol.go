// Package github is a small client for the parts of the GitHub REST API the
// publish pipeline uses: Actions secrets, the git data API and workflow dispatch.
package github

import "time"

// PublicKey is the repository key used to seal Actions secrets.
type PublicKey struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"` // base64 Curve25519 public key
}

// SecretPutRequest upserts one encrypted Actions secret.
type SecretPutRequest struct {
	EncryptedValue string `json:"encrypted_value"`
	KeyID          string `json:"key_id"`
}

// Secret is the metadata GitHub returns for a stored secret. Values are never readable.
type Secret struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecretList is one page of the secrets listing.
type SecretList struct {
	TotalCount int       `json:"total_count"`
	Secrets    []*Secret `json:"secrets"`
}

// GitObject is the object a ref points to.
type GitObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

// Ref is a git reference such as heads/main.
type Ref struct {
	Ref    string    `json:"ref"`
	Object GitObject `json:"object"`
}

// Commit is a git commit as returned by the git data API.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message,omitempty"`
	Tree    GitObject `json:"tree"`
}

// BlobRequest creates a blob. Encoding is "base64" or "utf-8".
type BlobRequest struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// TreeEntry is one path in a tree creation request.
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// TreeRequest creates a tree on top of BaseTree.
type TreeRequest struct {
	BaseTree string      `json:"base_tree,omitempty"`
	Tree     []TreeEntry `json:"tree"`
}

// CommitRequest creates a commit.
type CommitRequest struct {
	Message string   `json:"message"`
	Tree    string   `json:"tree"`
	Parents []string `json:"parents"`
}

// RefUpdateRequest moves a ref. Force=false makes the update fast-forward only.
type RefUpdateRequest struct {
	SHA   string `json:"sha"`
	Force bool   `json:"force"`
}

// DispatchRequest triggers a workflow_dispatch event.
type DispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// created is the response shape shared by blob, tree and commit creation.
type created struct {
	SHA string `json:"sha"`
}

// InstallationToken is a short-lived token for a GitHub App installation.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is GitHub's error body.
type ErrorResponse struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
}
