package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
)

// PruneResult contains the outcome of a prune run.
type PruneResult struct {
	Scanned int      `json:"scanned"`
	Stale   []string `json:"stale"`
	Deleted int      `json:"deleted"`
}

// Prune removes chunk secrets of known prefixes whose index is at or beyond
// chunkCount. Those are left behind when the chunk count is lowered. With
// dryRun set nothing is deleted and Stale lists what would be.
func Prune(ctx context.Context, vault chunkstore.Lister, prefixes []string, chunkCount int, dryRun bool, logger *slog.Logger) (*PruneResult, error) {
	if chunkCount <= 0 {
		return nil, fmt.Errorf("prune: chunk count must be positive, got %d", chunkCount)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	known := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		known[p] = true
	}

	names, err := vault.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("prune: list secrets: %w", err)
	}

	result := &PruneResult{Scanned: len(names)}
	for _, name := range names {
		prefix, index, ok := chunkstore.ParseSecretName(name)
		if !ok || !known[prefix] || index < chunkCount {
			continue
		}
		result.Stale = append(result.Stale, name)
		if dryRun {
			continue
		}
		if err := vault.Delete(ctx, name); err != nil {
			logger.Warn("prune: failed to delete secret", "name", name, "error", err)
			continue
		}
		result.Deleted++
	}

	logger.Info("prune complete",
		"scanned", result.Scanned,
		"stale", len(result.Stale),
		"deleted", result.Deleted,
		"dry_run", dryRun,
	)
	return result, nil
}
