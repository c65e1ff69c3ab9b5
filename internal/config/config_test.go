package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 8, c.ChunkCount)
	assert.Equal(t, 48*1024, c.MaxSecretBytes)
	assert.Equal(t, 1, c.Concurrency)
	assert.Equal(t, "main", c.GitHub.Branch)
	require.Len(t, c.Files, 2)
	assert.Equal(t, "INVENTORY_FILE", c.Files[0].Prefix)
	assert.Equal(t, "inventoryFile", c.Files[0].Field)
	assert.Equal(t, ".xlsx", c.Files[0].Extension)
	assert.Equal(t, "CATALOG_FILE", c.Files[1].Prefix)
	assert.Equal(t, "catalogFile", c.Files[1].Field)
	assert.Equal(t, ".xls", c.Files[1].Extension)
	assert.Equal(t, filepath.Join("public", "assets", "catalog.xls"), c.Files[1].Output)
	assert.NoError(t, c.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8, c.ChunkCount)
	assert.Len(t, c.Files, 2)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "sheetsync.toml", `
chunk_count = 12
concurrency = 4
require_expected = true
backup = true

[github]
owner = "acme"
repo = "site"
workflow = "deploy.yml"
manifest_path = "data/manifest.json"

[[files]]
prefix = "PRICES_FILE"
field = "pricesFile"
extension = ".csv"

[server]
listen = ":8080"
allowed_origin = "https://shop.example"
max_file_bytes = 1048576

[retry]
max_retries = 5

[webhooks]
urls = ["https://hooks.example/a"]
secret = "s3cret"

[vault]
path = "data/vault.db"
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, c.Path())
	assert.Equal(t, 12, c.ChunkCount)
	assert.Equal(t, 4, c.Concurrency)
	assert.True(t, c.RequireExpected)
	assert.True(t, c.Backup)
	assert.Equal(t, "acme", c.GitHub.Owner)
	assert.Equal(t, "main", c.GitHub.Branch)
	assert.Equal(t, "deploy.yml", c.GitHub.Workflow)

	require.Len(t, c.Files, 1)
	f := c.Files[0]
	assert.Equal(t, "prices_file.csv", f.Name)
	assert.Equal(t, filepath.Join("public", "assets", "prices_file.csv"), f.Output)

	assert.Equal(t, ":8080", c.Server.Listen)
	assert.Equal(t, int64(1048576), c.Server.MaxFileBytes)
	assert.Equal(t, 5, c.Retry.MaxRetries)
	assert.Equal(t, 500, c.Retry.InitialBackoffMs)
	assert.Equal(t, []string{"https://hooks.example/a"}, c.Webhooks.URLs)
	assert.Equal(t, "data/vault.db", c.Vault.Path)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "sheetsync.yaml", `
chunk_count: 6
github:
  owner: acme
  repo: site
files:
  - prefix: INVENTORY_FILE
    field: inventoryFile
    extension: .xlsx
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, c.ChunkCount)
	assert.Equal(t, "site", c.GitHub.Repo)
	require.Len(t, c.Files, 1)
	assert.Equal(t, "inventory_file.xlsx", c.Files[0].Name)
}

func TestLoad_InvalidSyntax(t *testing.T) {
	_, err := Load(writeConfig(t, "bad.toml", "chunk_count = [unterminated"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SHEETSYNC_CHUNK_COUNT", "16")
	t.Setenv("GITHUB_TOKEN", "ghp_env")
	t.Setenv("GITHUB_OWNER", "env-owner")
	t.Setenv("SHEETSYNC_ALLOWED_ORIGIN", "https://env.example")
	t.Setenv("SHEETSYNC_ADMIN_TOKEN", "admin-env")

	path := writeConfig(t, "sheetsync.toml", "chunk_count = 4\n[github]\nowner = \"file-owner\"\n")
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16, c.ChunkCount)
	assert.Equal(t, "ghp_env", c.GitHub.Token)
	assert.Equal(t, "env-owner", c.GitHub.Owner)
	assert.Equal(t, "https://env.example", c.Server.AllowedOrigin)
	assert.Equal(t, "admin-env", c.Server.AdminToken)
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(func(key string) (string, bool) {
		if key == "SHEETSYNC_CHUNK_COUNT" {
			return "eight", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "SHEETSYNC_CHUNK_COUNT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"zero chunks", func(c *Config) { c.ChunkCount = 0 }, "chunk_count"},
		{"negative chunks", func(c *Config) { c.ChunkCount = -3 }, "chunk_count"},
		{"bad prefix", func(c *Config) { c.Files[0].Prefix = "inventory" }, "invalid prefix"},
		{"duplicate prefix", func(c *Config) { c.Files[1].Prefix = c.Files[0].Prefix }, "duplicate prefix"},
		{"duplicate field", func(c *Config) { c.Files[1].Field = c.Files[0].Field }, "duplicate field"},
		{"extension without dot", func(c *Config) { c.Files[0].Extension = "xlsx" }, "must start with a dot"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"app without installation", func(c *Config) { c.GitHub.AppID = 1; c.GitHub.PrivateKey = "k" }, "installation_id"},
		{"app without key", func(c *Config) { c.GitHub.AppID = 1; c.GitHub.InstallationID = 2 }, "private_key"},
		{"half tls", func(c *Config) { c.Server.TLSCert = "cert.pem" }, "tls_cert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.errMsg)
		})
	}
}

func TestPrivateKeyPEM(t *testing.T) {
	g := GitHubConfig{PrivateKey: `-----BEGIN KEY-----\nabc\n-----END KEY-----`}
	pem, err := g.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN KEY-----\nabc\n-----END KEY-----", string(pem))

	path := writeConfig(t, "app.pem", "from-file")
	g = GitHubConfig{PrivateKeyPath: path}
	pem, err = g.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "from-file", string(pem))

	_, err = GitHubConfig{}.PrivateKeyPEM()
	assert.Error(t, err)
}

func TestFileAndPrefixes(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"INVENTORY_FILE", "CATALOG_FILE"}, c.Prefixes())

	f, ok := c.File("CATALOG_FILE")
	assert.True(t, ok)
	assert.Equal(t, "catalogFile", f.Field)

	_, ok = c.File("NOPE")
	assert.False(t, ok)
}

func TestSave_RoundTrip(t *testing.T) {
	c := Default()
	c.ChunkCount = 10
	c.GitHub.Owner = "acme"

	path := filepath.Join(t.TempDir(), "out.toml")
	require.NoError(t, c.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, back.ChunkCount)
	assert.Equal(t, "acme", back.GitHub.Owner)
	assert.Equal(t, c.Files, back.Files)
}
