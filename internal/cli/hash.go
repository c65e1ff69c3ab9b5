package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/kilupskalvis/sheetsync/internal/chunk"
	"github.com/spf13/cobra"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>...",
	Short: "Print the SHA-256 and size of files",
	Long: `Print the SHA-256 digest and size of each file, in the form expected by
reconstruct --expect-sha256 and --expect-size.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runHash,
}

func runHash(cmd *cobra.Command, args []string) {
	failed := false
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s  %d  %s  (%s)\n", chunk.Hash(data), len(data), path, humanize.IBytes(uint64(len(data))))
	}
	if failed {
		os.Exit(1)
	}
}
