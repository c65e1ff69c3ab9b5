package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/kilupskalvis/sheetsync/internal/config"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/kilupskalvis/sheetsync/internal/server"
	"github.com/spf13/cobra"
)

var (
	serverListen  string
	serverDataDir string
	serverTLSCert string
	serverTLSKey  string

	serverAdminURL   string
	serverAdminToken string
	serverTokenDesc  string
	serverTokenRole  string
	serverPruneDry   bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and manage the upload server",
	Long:  "Commands for running the sheetsync upload server and managing its tokens.",
}

const serverStartLong = `Start the upload server.

The server accepts multipart spreadsheet uploads on POST
/api/update-excel-files, splits them into chunk secrets and triggers the site
rebuild. Bearer token authentication is required for all /api/ endpoints.

The admin token (server.admin_token or SHEETSYNC_ADMIN_TOKEN) enables the
/admin/ endpoints for token management and pruning.

Examples:
  sheetsync server start
  sheetsync server start --listen 0.0.0.0:3001 --data-dir /var/lib/sheetsync
  sheetsync server start --tls-cert server.crt --tls-key server.key`

// newServerStartCmd builds the start command. It is built twice, once under
// "sheetsync server" and once as the sheetsync-server binary.
func newServerStartCmd(use string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: "Start the upload server",
		Long:  serverStartLong,
		Args:  cobra.NoArgs,
		Run:   runServerStart,
	}
	f := cmd.Flags()
	f.StringVar(&serverListen, "listen", "", "Listen address (default from config, "+config.DefaultListen+")")
	f.StringVar(&serverDataDir, "data-dir", "", "Directory for tokens, ledger and vault")
	f.StringVar(&serverTLSCert, "tls-cert", os.Getenv("SHEETSYNC_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", os.Getenv("SHEETSYNC_TLS_KEY"), "TLS key file")
	return cmd
}

// ServerCommand returns the standalone server command used by sheetsync-server.
func ServerCommand() *cobra.Command {
	cmd := newServerStartCmd("sheetsync-server")
	cmd.SilenceUsage = true
	pf := cmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", envOrDefault("SHEETSYNC_CONFIG", config.DefaultPath), "Config file (TOML or YAML)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text|json)")
	return cmd
}

func init() {
	serverCmd.AddCommand(newServerStartCmd("start"))
	serverCmd.AddCommand(serverTokensCmd)
	serverCmd.AddCommand(serverPruneCmd)

	// Both parents bind the same package-level vars. Only one command path
	// executes at runtime.
	for _, cmd := range []*cobra.Command{serverTokensCmd, serverPruneCmd} {
		cmd.PersistentFlags().StringVar(&serverAdminURL, "url",
			envOrDefault("SHEETSYNC_SERVER_URL", ""),
			"Server base URL (env: SHEETSYNC_SERVER_URL)")
		cmd.PersistentFlags().StringVar(&serverAdminToken, "admin-token",
			os.Getenv("SHEETSYNC_ADMIN_TOKEN"),
			"Admin token (env: SHEETSYNC_ADMIN_TOKEN)")
	}

	serverTokensCmd.AddCommand(serverTokensCreateCmd, serverTokensListCmd, serverTokensDeleteCmd)

	tf := serverTokensCreateCmd.Flags()
	tf.StringVar(&serverTokenDesc, "desc", "", "Token description")
	tf.StringVar(&serverTokenRole, "role", server.RoleUpload, "Role: admin, upload or read")

	serverPruneCmd.Flags().BoolVar(&serverPruneDry, "dry-run", false, "List stale secrets without deleting them")
}

func runServerStart(_ *cobra.Command, _ []string) {
	c := initContext()
	defer c.Close()
	c.noProgress = true
	cfg := c.Config
	logger := c.Logger

	if serverListen != "" {
		cfg.Server.Listen = serverListen
	}
	if serverDataDir != "" {
		cfg.Server.DataDir = serverDataDir
	}
	if serverTLSCert != "" {
		cfg.Server.TLSCert = serverTLSCert
	}
	if serverTLSKey != "" {
		cfg.Server.TLSKey = serverTLSKey
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", cfg.Server.DataDir)
		os.Exit(1)
	}

	tokens := server.NewFileTokenStore(filepath.Join(cfg.Server.DataDir, "tokens.json"), logger)
	if err := tokens.Load(); err != nil && !os.IsNotExist(err) {
		logger.Error("failed to load token store", "error", err)
		os.Exit(1)
	}

	dest, lister, closeDest := serverStore(c)
	defer closeDest()

	pub, webhooks := c.Publisher(dest)
	defer webhooks.Wait()

	svc := &server.Services{
		Publisher: pub,
		Runs:      c.Ledger(),
		Prune: func(ctx context.Context, dryRun bool) (*core.PruneResult, error) {
			return core.Prune(ctx, lister, cfg.Prefixes(), cfg.ChunkCount, dryRun, logger)
		},
	}

	scfg := &server.ServerConfig{
		Files:             cfg.Files,
		MaxFileBytes:      cfg.Server.MaxFileBytes,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		AdminToken:        cfg.Server.AdminToken,
		AllowedOrigin:     cfg.Server.AllowedOrigin,
	}
	if scfg.AdminToken == "" {
		logger.Warn("admin token not set, /admin/ endpoints disabled")
	}

	h, handlerCleanup := server.Handler(svc, tokens, scfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting sheetsync server",
			"listen", cfg.Server.Listen,
			"data_dir", cfg.Server.DataDir,
			"files", len(cfg.Files),
			"chunk_count", cfg.ChunkCount,
		)
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

// serverStore picks the publish destination: the bbolt vault when
// vault.path is set, GitHub secrets otherwise.
func serverStore(c *cmdContext) (chunkstore.Store, chunkstore.Lister, func()) {
	if path := c.Config.Vault.Path; path != "" {
		s, err := chunkstore.NewBoltStore(path)
		if err != nil {
			c.Logger.Error("failed to open vault", "error", err, "path", path)
			os.Exit(1)
		}
		c.Logger.Info("publishing to local vault", "path", path)
		return s, s, func() { s.Close() }
	}
	s := chunkstore.NewSecretStore(c.GitHub(), nil, nil)
	return s, s, func() {}
}

// --- sheetsync server tokens ---

var serverTokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage server tokens",
	Long:  "Commands for managing upload tokens on a running sheetsync server.",
}

var serverTokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new authentication token",
	Args:  cobra.NoArgs,
	Run:   runServerTokensCreate,
}

var serverTokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all authentication tokens",
	Args:  cobra.NoArgs,
	Run:   runServerTokensList,
}

var serverTokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an authentication token",
	Args:  cobra.ExactArgs(1),
	Run:   runServerTokensDelete,
}

var serverPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune stale chunk secrets through a running server",
	Args:  cobra.NoArgs,
	Run:   runServerPrune,
}

// resolveAdminClient builds an AdminClient from the package-level admin flag vars.
func resolveAdminClient() *server.AdminClient {
	if serverAdminURL == "" {
		exitError("--url or SHEETSYNC_SERVER_URL is required")
	}
	if serverAdminToken == "" {
		exitError("--admin-token or SHEETSYNC_ADMIN_TOKEN is required")
	}
	return server.NewAdminClient(serverAdminURL, serverAdminToken)
}

func runServerTokensCreate(_ *cobra.Command, _ []string) {
	if !server.ValidRole(serverTokenRole) {
		exitError("invalid role %q (want admin, upload or read)", serverTokenRole)
	}
	c := resolveAdminClient()

	resp, err := c.CreateToken(context.Background(), serverTokenDesc, serverTokenRole)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Role:        %s\n", resp.Role)
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
	yellow.Println("Save this token, it will not be shown again.")
}

func runServerTokensList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	tokens, err := c.ListTokens(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	if len(tokens) == 0 {
		return
	}

	fmt.Printf("  %-32s  %-20s  %-7s  %-20s  %s\n", "ID", "Description", "Role", "Created", "Last used")
	for _, t := range tokens {
		lastUsed := t.LastUsedAt
		if lastUsed == "" {
			lastUsed = "never"
		}
		fmt.Printf("  %-32s  %-20s  %-7s  %-20s  %s\n", t.ID, t.Description, t.Role, t.CreatedAt, lastUsed)
	}
}

func runServerTokensDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	if err := c.DeleteToken(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Deleted token '%s'\n", args[0])
}

func runServerPrune(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	result, err := c.Prune(context.Background(), serverPruneDry)
	if err != nil {
		exitError("%v", err)
	}

	yellow := color.New(color.FgYellow)
	for _, name := range result.Stale {
		yellow.Printf("  stale %s\n", name)
	}
	fmt.Printf("scanned %d, stale %d, deleted %d\n", result.Scanned, len(result.Stale), result.Deleted)
}
