package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/sheetsync/internal/config"
	"github.com/kilupskalvis/sheetsync/internal/core"
	"github.com/spf13/cobra"
)

var (
	splitPrefix string
	splitTo     string
	splitDir    string
	splitJSON   bool
)

var splitCmd = &cobra.Command{
	Use:   "split <file>",
	Short: "Split a file into chunk secrets",
	Long: `Split a file into chunk_count base64 chunks and store them as
{PREFIX}_CHUNK_1..N. The split is checked by reading the chunks back from a
local scratch copy before the command reports success.

The prefix defaults to the configured file whose name or extension matches.

Examples:
  sheetsync split inventory.xlsx
  sheetsync split prices.csv --prefix PRICES_FILE
  sheetsync split inventory.xlsx --to dir --dir ./chunks`,
	Args: cobra.ExactArgs(1),
	Run:  runSplit,
}

func init() {
	f := splitCmd.Flags()
	f.StringVarP(&splitPrefix, "prefix", "p", "", "Secret name prefix")
	f.StringVar(&splitTo, "to", storeSecrets, "Destination store (secrets|dir|bolt)")
	f.StringVar(&splitDir, "dir", "", "Directory for --to dir")
	f.BoolVar(&splitJSON, "json", false, "Print the report as JSON")
}

func runSplit(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	path := args[0]
	prefix := splitPrefix
	if prefix == "" {
		spec, ok := matchFile(c.Config.Files, path)
		if !ok {
			exitError("no configured file matches %s, pass --prefix", filepath.Base(path))
		}
		prefix = spec.Prefix
	}

	dest := c.openStore(splitTo, splitDir)
	defer dest.Close()

	rep, err := core.NewSplitter(c.Options()).SplitFile(context.Background(), path, prefix, dest)
	if splitJSON {
		json.NewEncoder(os.Stdout).Encode(rep)
	} else {
		printReport(os.Stdout, rep)
	}
	if err != nil {
		os.Exit(1)
	}
}

// matchFile finds the configured file for path, first by exact name and then
// by extension when exactly one file uses it.
func matchFile(files []config.FileSpec, path string) (config.FileSpec, bool) {
	base := filepath.Base(path)
	for _, f := range files {
		if strings.EqualFold(f.Name, base) {
			return f, true
		}
	}

	ext := filepath.Ext(base)
	var found []config.FileSpec
	for _, f := range files {
		if f.Extension != "" && strings.EqualFold(f.Extension, ext) {
			found = append(found, f)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return config.FileSpec{}, false
}

// parseFileArgs turns PREFIX=path arguments into a map, keeping order.
func parseFileArgs(args []string) ([]string, map[string]string, error) {
	order := make([]string, 0, len(args))
	paths := make(map[string]string, len(args))
	for _, arg := range args {
		prefix, path, ok := strings.Cut(arg, "=")
		if !ok || prefix == "" || path == "" {
			return nil, nil, fmt.Errorf("expected PREFIX=path, got %q", arg)
		}
		if _, dup := paths[prefix]; dup {
			return nil, nil, fmt.Errorf("duplicate prefix %s", prefix)
		}
		order = append(order, prefix)
		paths[prefix] = path
	}
	return order, paths, nil
}
