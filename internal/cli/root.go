// Package cli implements the sheetsync command-line interface.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/sheetsync/internal/config"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/kilupskalvis/sheetsync/internal/github"
	"github.com/kilupskalvis/sheetsync/internal/ledger"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Logger *slog.Logger
	ledger *ledger.Ledger

	// noProgress keeps terminal progress lines out of long-running commands.
	noProgress bool
}

var stderrIsTerminal = func() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.ledger != nil {
		c.ledger.Close()
	}
}

// initContext loads the config and builds the logger. Logs go to stderr so
// stdout stays machine readable.
func initContext() *cmdContext {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return &cmdContext{
		Config: cfg,
		Logger: newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr),
	}
}

// Ledger opens the run history under the server data directory.
func (c *cmdContext) Ledger() *ledger.Ledger {
	if c.ledger == nil {
		l, err := ledger.Open(filepath.Join(c.Config.Server.DataDir, "ledger.db"))
		if err != nil {
			exitError("failed to open ledger: %v", err)
		}
		c.ledger = l
	}
	return c.ledger
}

// Options builds the pipeline options shared by split and reconstruct.
func (c *cmdContext) Options() core.Options {
	opts := core.Options{
		ChunkCount:      c.Config.ChunkCount,
		ScratchDir:      c.Config.ScratchDir,
		Concurrency:     c.Config.Concurrency,
		MaxEncodedSize:  c.Config.MaxSecretBytes,
		RequireExpected: c.Config.RequireExpected,
		Backup:          c.Config.Backup,
		Logger:          c.Logger,
	}
	if !c.noProgress && stderrIsTerminal() {
		opts.Progress = progressPrinter(os.Stderr)
	}
	return opts
}

// GitHub builds the API client, wrapped with retries when configured.
func (c *cmdContext) GitHub() github.Client {
	client, err := newGitHubClient(c.Config)
	if err != nil {
		exitError("%v", err)
	}
	return client
}

func newGitHubClient(cfg *config.Config) (github.Client, error) {
	gh := cfg.GitHub
	if gh.Owner == "" || gh.Repo == "" {
		return nil, fmt.Errorf("github.owner and github.repo are required (env: GITHUB_OWNER, GITHUB_REPO)")
	}
	baseURL := gh.APIURL
	if baseURL == "" {
		baseURL = github.DefaultAPIURL
	}

	var tokens github.TokenSource = github.StaticToken(gh.Token)
	if gh.UsesApp() {
		pem, err := gh.PrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		app, err := github.NewAppTokenSource(baseURL, gh.AppID, gh.InstallationID, pem)
		if err != nil {
			return nil, err
		}
		tokens = app
	}

	client := github.NewHTTPClient(baseURL, gh.Owner, gh.Repo, tokens)
	if cfg.Retry.MaxRetries <= 0 {
		return client, nil
	}
	return github.NewRetryClient(client, &github.RetryConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff(),
		MaxBackoff:     cfg.Retry.MaxBackoff(),
		JitterFraction: cfg.Retry.Jitter,
	}), nil
}

// newLogger builds a slog logger from level and format names.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Move spreadsheets through GitHub Actions secrets",
	Long: `sheetsync splits spreadsheet files into a fixed number of base64 chunks,
stores each chunk as a sealed GitHub Actions secret, and reassembles and
verifies the files inside CI before the site build reads them.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", envOrDefault("SHEETSYNC_CONFIG", config.DefaultPath), "Config file (TOML or YAML)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text|json)")

	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serverCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
