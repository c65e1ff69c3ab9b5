// Command sheetsync-server runs the spreadsheet upload server.
package main

import (
	"os"

	"github.com/kilupskalvis/sheetsync/internal/cli"
)

func main() {
	if err := cli.ServerCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
