package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/sheetsync/internal/ledger"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyPrefix string
	historyRun    string
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded split and reconstruct runs",
	Args:  cobra.NoArgs,
	Run:   runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of entries")
	f.StringVar(&historyPrefix, "prefix", "", "Only show this prefix")
	f.StringVar(&historyRun, "run", "", "Only show this run ID")
	f.BoolVar(&historyJSON, "json", false, "Print entries as JSON lines")
}

func runHistory(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	runs, err := c.Ledger().List(context.Background(), ledger.Query{
		Limit:  historyLimit,
		Prefix: historyPrefix,
		RunID:  historyRun,
	})
	if err != nil {
		exitError("%v", err)
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range runs {
			enc.Encode(r)
		}
		return
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return
	}

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	for _, r := range runs {
		yellow.Printf("%s ", shortID(r.RunID))
		status := "ok"
		if !r.Report.Success {
			status = string(r.Report.FailureReason)
		}
		fmt.Printf("%-11s %-18s %s", r.Report.Operation, r.Report.Prefix, humanize.Time(r.RecordedAt))
		if r.Actor != "" {
			fmt.Printf(" by %s", r.Actor)
		}
		if r.Report.Success {
			fmt.Printf("  %s\n", status)
		} else {
			red.Printf("  %s\n", status)
		}
	}
}
