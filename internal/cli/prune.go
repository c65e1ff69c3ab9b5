package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/spf13/cobra"
)

var (
	pruneVault  string
	pruneDryRun bool
	pruneJSON   bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete chunk secrets beyond the configured chunk count",
	Long: `Delete {PREFIX}_CHUNK_i secrets of configured prefixes whose index is
greater than chunk_count. They are left behind when chunk_count is lowered.

Examples:
  sheetsync prune --dry-run
  sheetsync prune --vault bolt`,
	Args: cobra.NoArgs,
	Run:  runPrune,
}

func init() {
	f := pruneCmd.Flags()
	f.StringVar(&pruneVault, "vault", storeSecrets, "Store to prune (secrets|bolt)")
	f.BoolVar(&pruneDryRun, "dry-run", false, "List stale secrets without deleting them")
	f.BoolVar(&pruneJSON, "json", false, "Print the result as JSON")
}

func runPrune(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	vault := c.openStore(pruneVault, "")
	defer vault.Close()
	if vault.lister == nil {
		exitError("store %q cannot be listed", pruneVault)
	}

	result, err := core.Prune(context.Background(), vault.lister, c.Config.Prefixes(), c.Config.ChunkCount, pruneDryRun, c.Logger)
	if err != nil {
		exitError("%v", err)
	}

	if pruneJSON {
		json.NewEncoder(os.Stdout).Encode(result)
		return
	}

	yellow := color.New(color.FgYellow)
	for _, name := range result.Stale {
		yellow.Printf("  stale %s\n", name)
	}
	if pruneDryRun {
		fmt.Printf("%d stale of %d secrets (dry run)\n", len(result.Stale), result.Scanned)
		return
	}
	fmt.Printf("deleted %d of %d stale secrets\n", result.Deleted, len(result.Stale))
}
