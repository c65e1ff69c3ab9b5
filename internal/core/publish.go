package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/sheetsync/internal/chunkstore"
	"github.com/kilupskalvis/sheetsync/internal/github"
	"golang.org/x/sync/errgroup"
)

// Upload is one file handed to the publisher.
type Upload struct {
	Prefix string
	Name   string
	Data   []byte
}

// RunRecorder persists reports. Implemented by the ledger.
type RunRecorder interface {
	Record(ctx context.Context, runID, actor string, rep *Report) error
}

// Repository is the part of the GitHub client used to hand a manifest to CI.
type Repository interface {
	GetRef(ctx context.Context, ref string) (*github.Ref, error)
	GetCommit(ctx context.Context, sha string) (*github.Commit, error)
	CreateBlob(ctx context.Context, content []byte) (string, error)
	CreateTree(ctx context.Context, baseTree string, entries []github.TreeEntry) (string, error)
	CreateCommit(ctx context.Context, message, tree string, parents []string) (string, error)
	UpdateRef(ctx context.Context, ref, sha string) error
	DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error
}

// PublishEvent describes a successful publish.
type PublishEvent struct {
	RunID     string    `json:"run_id"`
	Actor     string    `json:"actor"`
	Manifest  *Manifest `json:"manifest"`
	CommitSHA string    `json:"commit_sha,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is told about successful publishes. Notify must not block.
type Notifier interface {
	Notify(event *PublishEvent)
}

// PublishConfig selects the optional CI hand-off steps.
type PublishConfig struct {
	Branch       string // default "main"
	ManifestPath string // commit the manifest here when set
	Workflow     string // dispatch this workflow when set
}

// PublishResult contains the outcome of a publish.
type PublishResult struct {
	RunID      string    `json:"runId"`
	Reports    []*Report `json:"reports"`
	Manifest   *Manifest `json:"manifest,omitempty"`
	CommitSHA  string    `json:"commitSha,omitempty"`
	Dispatched bool      `json:"dispatched"`
}

// Publisher splits uploaded files into a store and triggers the rebuild.
type Publisher struct {
	splitter *Splitter
	dest     chunkstore.Store
	ledger   RunRecorder
	repo     Repository
	notifier Notifier
	cfg      PublishConfig
	opts     Options
	logger   *slog.Logger

	locks sync.Map // prefix -> *sync.Mutex
}

// NewPublisher creates a publisher. ledger, repo and notifier may be nil.
func NewPublisher(opts Options, dest chunkstore.Store, ledger RunRecorder, repo Repository, notifier Notifier, cfg PublishConfig) *Publisher {
	opts = opts.withDefaults()
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &Publisher{
		splitter: NewSplitter(opts),
		dest:     dest,
		ledger:   ledger,
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Publish splits every upload concurrently, records the reports, and when
// all splits succeeded hands the manifest to CI. A failed split aborts
// before anything is committed or dispatched.
func (p *Publisher) Publish(ctx context.Context, uploads []Upload, actor string) (*PublishResult, error) {
	if len(uploads) == 0 {
		return nil, errors.New("publish: no files")
	}
	seen := make(map[string]bool, len(uploads))
	for _, u := range uploads {
		if seen[u.Prefix] {
			return nil, fmt.Errorf("publish: duplicate prefix %s", u.Prefix)
		}
		seen[u.Prefix] = true
	}

	result := &PublishResult{
		RunID:   uuid.NewString(),
		Reports: make([]*Report, len(uploads)),
	}
	logger := p.logger.With("run_id", result.RunID, "actor", actor)
	logger.Info("publish started", "files", len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range uploads {
		g.Go(func() error {
			unlock := p.lock(u.Prefix)
			defer unlock()
			rep, err := p.splitter.SplitBytes(gctx, u.Prefix, u.Name, u.Data, p.dest)
			result.Reports[i] = rep
			return err
		})
	}
	splitErr := g.Wait()

	p.record(ctx, logger, result, actor)

	if splitErr != nil {
		return result, fmt.Errorf("publish: %w", splitErr)
	}

	result.Manifest = NewManifest(p.opts.ChunkCount, result.Reports)

	if p.repo != nil && p.cfg.ManifestPath != "" {
		sha, err := p.commitManifest(ctx, result.Manifest, actor)
		if err != nil {
			return result, fmt.Errorf("publish: commit manifest: %w", err)
		}
		result.CommitSHA = sha
		logger.Info("manifest committed", "path", p.cfg.ManifestPath, "commit", sha)
	}

	if p.repo != nil && p.cfg.Workflow != "" {
		data, err := result.Manifest.Marshal()
		if err != nil {
			return result, fmt.Errorf("publish: encode manifest: %w", err)
		}
		inputs := map[string]string{"manifest": string(data)}
		if err := p.repo.DispatchWorkflow(ctx, p.cfg.Workflow, p.cfg.Branch, inputs); err != nil {
			return result, fmt.Errorf("publish: dispatch %s: %w", p.cfg.Workflow, err)
		}
		result.Dispatched = true
		logger.Info("workflow dispatched", "workflow", p.cfg.Workflow, "ref", p.cfg.Branch)
	}

	if p.notifier != nil {
		p.notifier.Notify(&PublishEvent{
			RunID:     result.RunID,
			Actor:     actor,
			Manifest:  result.Manifest,
			CommitSHA: result.CommitSHA,
			Timestamp: time.Now().UTC(),
		})
	}

	logger.Info("publish complete", "files", len(uploads))
	return result, nil
}

// lock serializes splits of one prefix so concurrent publishes never leave a
// mix of two files' chunks in the store.
func (p *Publisher) lock(prefix string) func() {
	v, _ := p.locks.LoadOrStore(prefix, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// record writes every report that was produced. Ledger failures are logged
// and do not fail the publish.
func (p *Publisher) record(ctx context.Context, logger *slog.Logger, result *PublishResult, actor string) {
	if p.ledger == nil {
		return
	}
	for _, rep := range result.Reports {
		if rep == nil {
			continue
		}
		if err := p.ledger.Record(ctx, result.RunID, actor, rep); err != nil {
			logger.Warn("ledger record failed", "prefix", rep.Prefix, "error", err)
		}
	}
}

// commitManifest writes the manifest to the configured path as a new commit
// on top of the branch head.
func (p *Publisher) commitManifest(ctx context.Context, m *Manifest, actor string) (string, error) {
	data, err := m.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	ref := "heads/" + p.cfg.Branch

	head, err := p.repo.GetRef(ctx, ref)
	if err != nil {
		return "", err
	}
	parent, err := p.repo.GetCommit(ctx, head.Object.SHA)
	if err != nil {
		return "", err
	}
	blob, err := p.repo.CreateBlob(ctx, data)
	if err != nil {
		return "", err
	}
	tree, err := p.repo.CreateTree(ctx, parent.Tree.SHA, []github.TreeEntry{{
		Path: p.cfg.ManifestPath,
		Mode: "100644",
		Type: "blob",
		SHA:  blob,
	}})
	if err != nil {
		return "", err
	}

	msg := "Update spreadsheet manifest"
	if actor != "" {
		msg += " (uploaded by " + actor + ")"
	}
	commit, err := p.repo.CreateCommit(ctx, msg, tree, []string{parent.SHA})
	if err != nil {
		return "", err
	}
	if err := p.repo.UpdateRef(ctx, ref, commit); err != nil {
		return "", err
	}
	return commit, nil
}
