package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/kilupskalvis/sheetsync/internal/core"
)

// Store kinds accepted by --to, --from and --vault.
const (
	storeSecrets = "secrets" // GitHub Actions secrets through the API
	storeEnv     = "env"     // secrets exposed as environment variables in CI
	storeDir     = "dir"     // plain directory of chunk files
	storeBolt    = "bolt"    // local bbolt vault
)

// storeHandle is a chunk store plus whatever must be released after use.
type storeHandle struct {
	chunkstore.Store
	lister chunkstore.Lister
	close  func()
}

func (h *storeHandle) Close() {
	if h.close != nil {
		h.close()
	}
}

// openStore opens the chunk store named by kind.
func (c *cmdContext) openStore(kind, dir string) *storeHandle {
	switch kind {
	case storeSecrets:
		s := chunkstore.NewSecretStore(c.GitHub(), nil, nil)
		return &storeHandle{Store: s, lister: s}
	case storeEnv:
		return &storeHandle{Store: chunkstore.NewSecretStore(nil, nil, nil)}
	case storeDir:
		if dir == "" {
			exitError("--dir is required with %s", storeDir)
		}
		s, err := chunkstore.NewFSStore(dir)
		if err != nil {
			exitError("%v", err)
		}
		return &storeHandle{Store: s}
	case storeBolt:
		path := c.Config.Vault.Path
		if path == "" {
			path = filepath.Join(c.Config.Server.DataDir, "vault.db")
		}
		s, err := chunkstore.NewBoltStore(path)
		if err != nil {
			exitError("failed to open vault: %v", err)
		}
		return &storeHandle{Store: s, lister: s, close: func() { s.Close() }}
	default:
		exitError("unknown store %q (want %s, %s, %s or %s)", kind, storeSecrets, storeEnv, storeDir, storeBolt)
		return nil
	}
}

// progressPrinter renders state changes on one terminal line per prefix.
func progressPrinter(w io.Writer) core.Progress {
	var mu sync.Mutex
	return func(prefix string, state core.State, current, total int) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case state == core.StateSucceeded || state == core.StateFailed:
			fmt.Fprintf(w, "\r\033[K")
		case total > 0:
			fmt.Fprintf(w, "\r\033[K  %s %s %d/%d", prefix, state, current, total)
		default:
			fmt.Fprintf(w, "\r\033[K  %s %s", prefix, state)
		}
	}
}

// printReport writes a one-line human summary of rep.
func printReport(w io.Writer, rep *core.Report) {
	if rep == nil {
		return
	}
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if !rep.Success {
		red.Fprintf(w, "✗ %s %s failed", rep.Operation, rep.Prefix)
		fmt.Fprintf(w, " [%s] %s\n", rep.FailureReason, rep.Error)
		return
	}

	size := rep.OriginalSize
	if rep.Operation == core.OpReconstruct {
		size = rep.ReconstructedSize
	}
	green.Fprintf(w, "✓ %s %s", rep.Operation, rep.Prefix)
	fmt.Fprintf(w, " %s in %d chunks, sha256 %s", humanize.IBytes(uint64(size)), rep.ChunkCount, shortHash(rep))
	if rep.Path != "" {
		fmt.Fprintf(w, " -> %s", rep.Path)
	}
	fmt.Fprintln(w)

	if rep.Operation == core.OpReconstruct && !rep.Verified {
		yellow.Fprintf(w, "  warning: %s was not checked against an expected hash\n", rep.Prefix)
	}
}

func shortHash(rep *core.Report) string {
	h := rep.OriginalHash
	if rep.Operation == core.OpReconstruct {
		h = rep.ReconstructedHash
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
