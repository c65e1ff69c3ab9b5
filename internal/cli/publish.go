package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/kilupskalvis/sheetsync/internal/server"
	"github.com/spf13/cobra"
)

var (
	publishTo    string
	publishDir   string
	publishActor string
	publishJSON  bool
)

var publishCmd = &cobra.Command{
	Use:   "publish PREFIX=path [PREFIX=path...]",
	Short: "Split files, record the run, and trigger a rebuild",
	Long: `Split every named file into chunk secrets in parallel. When all splits
succeed the manifest is committed and the rebuild workflow dispatched, if
github.manifest_path and github.workflow are configured. Every report is
recorded in the run ledger.

Examples:
  sheetsync publish INVENTORY_FILE=inventory.xlsx CATALOG_FILE=catalog.xls
  sheetsync publish INVENTORY_FILE=inventory.xlsx --to bolt`,
	Args: cobra.MinimumNArgs(1),
	Run:  runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishTo, "to", storeSecrets, "Destination store (secrets|dir|bolt)")
	f.StringVar(&publishDir, "dir", "", "Directory for --to dir")
	f.StringVar(&publishActor, "actor", envOrDefault("USER", "cli"), "Actor recorded in the ledger")
	f.BoolVar(&publishJSON, "json", false, "Print the result as JSON")
}

func runPublish(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	uploads, err := readUploads(c, args)
	if err != nil {
		exitError("%v", err)
	}

	dest := c.openStore(publishTo, publishDir)
	defer dest.Close()

	pub, webhooks := c.Publisher(dest)
	result, err := pub.Publish(context.Background(), uploads, publishActor)
	webhooks.Wait()
	if publishJSON {
		json.NewEncoder(os.Stdout).Encode(result)
	} else if result != nil {
		for _, rep := range result.Reports {
			printReport(os.Stdout, rep)
		}
		if result.CommitSHA != "" {
			fmt.Printf("manifest committed %s\n", shortID(result.CommitSHA))
		}
		if result.Dispatched {
			color.New(color.FgGreen).Printf("workflow %s dispatched\n", c.Config.GitHub.Workflow)
		}
		fmt.Printf("run %s\n", result.RunID)
	}
	if err != nil {
		exitError("%v", err)
	}
}

// readUploads loads each PREFIX=path argument from disk.
func readUploads(c *cmdContext, args []string) ([]core.Upload, error) {
	order, paths, err := parseFileArgs(args)
	if err != nil {
		return nil, err
	}

	uploads := make([]core.Upload, 0, len(order))
	for _, prefix := range order {
		if err := chunkstore.ValidatePrefix(prefix); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(paths[prefix])
		if err != nil {
			return nil, err
		}
		name := filepath.Base(paths[prefix])
		if spec, ok := c.Config.File(prefix); ok && spec.Name != "" {
			name = spec.Name
		}
		uploads = append(uploads, core.Upload{Prefix: prefix, Name: name, Data: data})
	}
	return uploads, nil
}

// Publisher wires the ledger, the GitHub hand-off and the webhooks around dest.
// The returned notifier is nil when no webhooks are configured.
func (c *cmdContext) Publisher(dest chunkstore.Store) (*core.Publisher, *server.WebhookNotifier) {
	gh := c.Config.GitHub

	var repo core.Repository
	if gh.ManifestPath != "" || gh.Workflow != "" {
		repo = c.GitHub()
	}

	var notifier core.Notifier
	wn := server.NewWebhookNotifier(&server.WebhookConfig{
		URLs:   c.Config.Webhooks.URLs,
		Secret: c.Config.Webhooks.Secret,
	}, c.Logger)
	if wn != nil {
		notifier = wn
	}

	pub := core.NewPublisher(c.Options(), dest, c.Ledger(), repo, notifier, core.PublishConfig{
		Branch:       gh.Branch,
		ManifestPath: gh.ManifestPath,
		Workflow:     gh.Workflow,
	})
	return pub, wn
}
