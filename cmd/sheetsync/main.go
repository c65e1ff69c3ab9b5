// Command sheetsync splits, publishes and reconstructs chunked spreadsheets.
package main

import (
	"os"

	"github.com/kilupskalvis/sheetsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
