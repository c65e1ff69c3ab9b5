// Package config loads sheetsync configuration from a TOML or YAML file and
// the environment. The same file is meant to be shared by the upload server
// and the CI job so both sides agree on the chunk count and prefixes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is read when no config path is given.
	DefaultPath = "sheetsync.toml"

	DefaultChunkCount     = 8
	DefaultMaxSecretBytes = 48 * 1024
	DefaultScratchDir     = ".temp"
	DefaultListen         = ":3001"
	DefaultDataDir        = "data"
	DefaultMaxFileBytes   = 10 << 20
	DefaultBranch         = "main"
)

// FileSpec describes one logical spreadsheet.
type FileSpec struct {
	Prefix    string `toml:"prefix" yaml:"prefix"`
	Field     string `toml:"field" yaml:"field"`         // multipart form field
	Name      string `toml:"name" yaml:"name"`           // published file name
	Extension string `toml:"extension" yaml:"extension"` // required upload extension
	Output    string `toml:"output" yaml:"output"`       // reconstruct target
}

// GitHubConfig holds repository and credential settings.
type GitHubConfig struct {
	APIURL         string `toml:"api_url" yaml:"api_url"`
	Owner          string `toml:"owner" yaml:"owner"`
	Repo           string `toml:"repo" yaml:"repo"`
	Branch         string `toml:"branch" yaml:"branch"`
	Token          string `toml:"token" yaml:"token"`
	AppID          int64  `toml:"app_id" yaml:"app_id"`
	InstallationID int64  `toml:"installation_id" yaml:"installation_id"`
	PrivateKey     string `toml:"private_key" yaml:"private_key"`
	PrivateKeyPath string `toml:"private_key_path" yaml:"private_key_path"`
	Workflow       string `toml:"workflow" yaml:"workflow"`
	ManifestPath   string `toml:"manifest_path" yaml:"manifest_path"`
}

// UsesApp reports whether GitHub App credentials are configured.
func (g GitHubConfig) UsesApp() bool {
	return g.AppID != 0
}

// PrivateKeyPEM returns the app private key, reading PrivateKeyPath when the
// key is not given inline.
func (g GitHubConfig) PrivateKeyPEM() ([]byte, error) {
	if g.PrivateKey != "" {
		// Environments often carry PEM with escaped newlines.
		return []byte(strings.ReplaceAll(g.PrivateKey, `\n`, "\n")), nil
	}
	if g.PrivateKeyPath == "" {
		return nil, errors.New("github app private key not configured")
	}
	data, err := os.ReadFile(g.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read github app private key: %w", err)
	}
	return data, nil
}

// ServerConfig configures the upload server.
type ServerConfig struct {
	Listen            string `toml:"listen" yaml:"listen"`
	DataDir           string `toml:"data_dir" yaml:"data_dir"`
	AllowedOrigin     string `toml:"allowed_origin" yaml:"allowed_origin"`
	MaxFileBytes      int64  `toml:"max_file_bytes" yaml:"max_file_bytes"`
	RequestsPerMinute int    `toml:"requests_per_minute" yaml:"requests_per_minute"`
	AdminToken        string `toml:"admin_token" yaml:"admin_token"`
	TLSCert           string `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey            string `toml:"tls_key" yaml:"tls_key"`
}

// RetryConfig configures retries of GitHub API calls. MaxRetries 0 disables them.
type RetryConfig struct {
	MaxRetries       int     `toml:"max_retries" yaml:"max_retries"`
	InitialBackoffMs int     `toml:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `toml:"max_backoff_ms" yaml:"max_backoff_ms"`
	Jitter           float64 `toml:"jitter" yaml:"jitter"`
}

// InitialBackoff returns the first retry delay.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// WebhookConfig lists endpoints notified after a successful publish.
type WebhookConfig struct {
	URLs   []string `toml:"urls" yaml:"urls"`
	Secret string   `toml:"secret" yaml:"secret"`
}

// VaultConfig points at a bbolt vault used instead of GitHub secrets.
type VaultConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// Config is the complete sheetsync configuration.
type Config struct {
	ChunkCount      int    `toml:"chunk_count" yaml:"chunk_count"`
	ScratchDir      string `toml:"scratch_dir" yaml:"scratch_dir"`
	Concurrency     int    `toml:"concurrency" yaml:"concurrency"`
	MaxSecretBytes  int    `toml:"max_secret_bytes" yaml:"max_secret_bytes"`
	RequireExpected bool   `toml:"require_expected" yaml:"require_expected"`
	Backup          bool   `toml:"backup" yaml:"backup"`
	LogLevel        string `toml:"log_level" yaml:"log_level"`
	LogFormat       string `toml:"log_format" yaml:"log_format"`

	GitHub   GitHubConfig  `toml:"github" yaml:"github"`
	Files    []FileSpec    `toml:"files" yaml:"files"`
	Server   ServerConfig  `toml:"server" yaml:"server"`
	Retry    RetryConfig   `toml:"retry" yaml:"retry"`
	Webhooks WebhookConfig `toml:"webhooks" yaml:"webhooks"`
	Vault    VaultConfig   `toml:"vault" yaml:"vault"`

	path string
}

// DefaultFiles are the two spreadsheets the upload form sends.
func DefaultFiles() []FileSpec {
	return []FileSpec{
		{
			Prefix:    "INVENTORY_FILE",
			Field:     "inventoryFile",
			Name:      "inventory.xlsx",
			Extension: ".xlsx",
			Output:    filepath.Join("public", "assets", "inventory.xlsx"),
		},
		{
			Prefix:    "CATALOG_FILE",
			Field:     "catalogFile",
			Name:      "catalog.xls",
			Extension: ".xls",
			Output:    filepath.Join("public", "assets", "catalog.xls"),
		},
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ChunkCount == 0 {
		c.ChunkCount = DefaultChunkCount
	}
	if c.ScratchDir == "" {
		c.ScratchDir = DefaultScratchDir
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.MaxSecretBytes == 0 {
		c.MaxSecretBytes = DefaultMaxSecretBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.GitHub.Branch == "" {
		c.GitHub.Branch = DefaultBranch
	}
	if len(c.Files) == 0 {
		c.Files = DefaultFiles()
	}
	for i := range c.Files {
		f := &c.Files[i]
		if f.Name == "" {
			f.Name = strings.ToLower(f.Prefix) + f.Extension
		}
		if f.Output == "" {
			f.Output = filepath.Join("public", "assets", f.Name)
		}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = DefaultDataDir
	}
	if c.Server.MaxFileBytes == 0 {
		c.Server.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.Server.RequestsPerMinute == 0 {
		c.Server.RequestsPerMinute = 30
	}
	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = 500
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = 30_000
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.25
	}
}

// Load reads the config file at path (DefaultPath when empty), applies
// defaults and environment overrides, and validates the result. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, c); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	c.path = path
	c.applyDefaults()
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(path string, data []byte, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	num64 := func(key string, dst *int64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := num("SHEETSYNC_CHUNK_COUNT", &c.ChunkCount); err != nil {
		return err
	}
	if err := num("SHEETSYNC_CONCURRENCY", &c.Concurrency); err != nil {
		return err
	}
	str("SHEETSYNC_SCRATCH_DIR", &c.ScratchDir)
	str("SHEETSYNC_LOG_LEVEL", &c.LogLevel)
	str("SHEETSYNC_LOG_FORMAT", &c.LogFormat)

	str("GITHUB_API_URL", &c.GitHub.APIURL)
	str("GITHUB_TOKEN", &c.GitHub.Token)
	str("GITHUB_OWNER", &c.GitHub.Owner)
	str("GITHUB_REPO", &c.GitHub.Repo)
	str("GITHUB_APP_PRIVATE_KEY", &c.GitHub.PrivateKey)
	str("GITHUB_APP_PRIVATE_KEY_PATH", &c.GitHub.PrivateKeyPath)
	if err := num64("GITHUB_APP_ID", &c.GitHub.AppID); err != nil {
		return err
	}
	if err := num64("GITHUB_APP_INSTALLATION_ID", &c.GitHub.InstallationID); err != nil {
		return err
	}

	str("SHEETSYNC_LISTEN", &c.Server.Listen)
	str("SHEETSYNC_DATA_DIR", &c.Server.DataDir)
	str("SHEETSYNC_ALLOWED_ORIGIN", &c.Server.AllowedOrigin)
	str("SHEETSYNC_ADMIN_TOKEN", &c.Server.AdminToken)
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ChunkCount <= 0 {
		return fmt.Errorf("chunk_count must be positive, got %d", c.ChunkCount)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxSecretBytes < 0 {
		return fmt.Errorf("max_secret_bytes must not be negative, got %d", c.MaxSecretBytes)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	prefixes := make(map[string]bool, len(c.Files))
	fields := make(map[string]bool, len(c.Files))
	for _, f := range c.Files {
		if err := chunkstore.ValidatePrefix(f.Prefix); err != nil {
			return fmt.Errorf("files: %w", err)
		}
		if prefixes[f.Prefix] {
			return fmt.Errorf("files: duplicate prefix %s", f.Prefix)
		}
		prefixes[f.Prefix] = true

		if f.Field != "" {
			if fields[f.Field] {
				return fmt.Errorf("files: duplicate field %s", f.Field)
			}
			fields[f.Field] = true
		}
		if f.Extension != "" && !strings.HasPrefix(f.Extension, ".") {
			return fmt.Errorf("files: extension %q of %s must start with a dot", f.Extension, f.Prefix)
		}
	}

	if c.GitHub.UsesApp() {
		if c.GitHub.InstallationID == 0 {
			return errors.New("github: installation_id is required with app_id")
		}
		if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
			return errors.New("github: private_key or private_key_path is required with app_id")
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	return nil
}

// File returns the file settings for prefix.
func (c *Config) File(prefix string) (FileSpec, bool) {
	for _, f := range c.Files {
		if f.Prefix == prefix {
			return f, true
		}
	}
	return FileSpec{}, false
}

// Prefixes returns the configured prefixes in file order.
func (c *Config) Prefixes() []string {
	out := make([]string, len(c.Files))
	for i, f := range c.Files {
		out[i] = f.Prefix
	}
	return out
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
