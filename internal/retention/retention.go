package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/artifact"
	"github.com/jmcoimbra/sound2transcript/internal/session"
)

// ActiveLookup reports the currently ACTIVE session, if any.
// *session.Registry satisfies it.
type ActiveLookup interface {
	Active(ctx context.Context) (*session.Session, error)
}

// DeleteError is a failed deletion. It does not stop the run.
type DeleteError struct {
	Path string
	Err  error
}

func (e *DeleteError) Error() string { return fmt.Sprintf("delete %s: %v", e.Path, e.Err) }
func (e *DeleteError) Unwrap() error { return e.Err }

// Summary is the outcome of one run.
type Summary struct {
	DryRun         bool           `json:"dry_run"`
	Scanned        int            `json:"scanned"`
	Skipped        int            `json:"skipped"`
	Deleted        int            `json:"deleted"`
	Vanished       int            `json:"vanished"`
	BytesReclaimed int64          `json:"bytes_reclaimed"`
	ActiveSession  string         `json:"active_session,omitempty"`
	Candidates     []Candidate    `json:"candidates,omitempty"`
	Errors         []*DeleteError `json:"-"`
	Failed         int            `json:"failed"`
}

// Engine applies a Policy to a data directory.
type Engine struct {
	dataDir string
	policy  Policy
	active  ActiveLookup
	logger  *slog.Logger
	now     func() time.Time
	remove  func(string) error
}

// New creates an engine. active may be nil, in which case only the open
// suffix protects files that are being written.
func New(dataDir string, policy Policy, active ActiveLookup, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dataDir: dataDir,
		policy:  policy,
		active:  active,
		logger:  logger,
		now:     time.Now,
		remove:  os.Remove,
	}
}

// Run scans, plans and, unless dryRun, deletes. Cancellation is checked
// between deletions; the summary covers the work done so far.
func (e *Engine) Run(ctx context.Context, dryRun bool) (*Summary, error) {
	e.logger.Info("starting retention run", "data_dir", e.dataDir, "dry_run", dryRun)

	arts, err := artifact.Scan(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	sum := &Summary{DryRun: dryRun, Scanned: len(arts)}

	// Looked up after the scan: a session that ends in between has already
	// finalized its files.
	if e.active != nil {
		s, err := e.active.Active(ctx)
		if err != nil {
			return nil, fmt.Errorf("lookup active session: %w", err)
		}
		if s != nil {
			sum.ActiveSession = s.ID
			for i := range arts {
				if arts[i].SessionID == s.ID {
					arts[i].Open = true
				}
			}
		}
	}
	for _, a := range arts {
		if a.Open {
			sum.Skipped++
		}
	}

	sum.Candidates = Plan(e.policy, arts, e.now())
	e.logger.Info("retention plan ready",
		"scanned", sum.Scanned,
		"skipped", sum.Skipped,
		"candidates", len(sum.Candidates),
		"active_session", sum.ActiveSession,
	)
	if dryRun {
		for _, c := range sum.Candidates {
			e.logger.Info("would delete", "path", c.Path, "kind", c.Kind, "reason", c.Reason, "size", c.Size)
		}
		return sum, nil
	}

	for _, c := range sum.Candidates {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("retention run cancelled", "deleted", sum.Deleted)
			return sum, err
		}
		if err := e.remove(c.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				sum.Vanished++
				continue
			}
			de := &DeleteError{Path: c.Path, Err: err}
			sum.Errors = append(sum.Errors, de)
			sum.Failed++
			e.logger.Error("delete failed", "path", c.Path, "error", err)
			continue
		}
		sum.Deleted++
		sum.BytesReclaimed += c.Size
		e.logger.Debug("deleted", "path", c.Path, "kind", c.Kind, "reason", c.Reason)
	}

	e.logger.Info("retention run completed",
		"deleted", sum.Deleted,
		"bytes_reclaimed", sum.BytesReclaimed,
		"failed", sum.Failed,
	)
	return sum, nil
}
