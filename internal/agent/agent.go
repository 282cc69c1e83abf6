// Package agent delivers instrument files from a depth-bounded directory
// tree to a collector, following the most recently created directory at
// each level.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sheerbytes/gridsend/internal/metrics"
	"github.com/sheerbytes/gridsend/internal/transfer"
	"github.com/sheerbytes/gridsend/internal/watch"
	"github.com/sheerbytes/gridsend/pkg/catalog"
)

const (
	// DefaultMaxDepth is the depth at which new files are expected.
	DefaultMaxDepth = 2
	// DefaultPollInterval is the heartbeat period of the event loop.
	DefaultPollInterval = 2 * time.Second
)

// Config configures an Agent.
type Config struct {
	Root         string
	MaxDepth     int
	PollInterval time.Duration
	Limits       catalog.Limits
}

// Agent owns the watch tree and the sender.
type Agent struct {
	cfg     Config
	tree    *watch.Tree
	fac     watch.Facility
	ch      *transfer.Channel
	sender  *transfer.Sender
	logger  *slog.Logger
	metrics *metrics.Agent
}

// New creates an Agent. The facility is owned by the agent and closed by Close.
func New(cfg Config, ch *transfer.Channel, sender *transfer.Sender, fac watch.Facility, logger *slog.Logger, m *metrics.Agent) (*Agent, error) {
	if cfg.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Limits == (catalog.Limits{}) {
		cfg.Limits = catalog.DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Root = filepath.Clean(cfg.Root)

	tree, err := watch.NewTree(fac, cfg.MaxDepth, logger)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:     cfg,
		tree:    tree,
		fac:     fac,
		ch:      ch,
		sender:  sender,
		logger:  logger,
		metrics: m,
	}, nil
}

// Tree returns the agent's watch tree.
func (a *Agent) Tree() *watch.Tree { return a.tree }

// Run performs the startup scan and then runs the event loop until ctx is
// cancelled. Cancellation is a clean stop and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	err := a.Start(ctx)
	if err == nil {
		err = a.Loop(ctx)
	}
	if ctx.Err() != nil {
		a.logger.Info("agent stopped")
		return nil
	}
	return err
}

// Start watches the root, connects, and walks the existing tree.
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.tree.Rotate(0, a.cfg.Root); err != nil {
		return fmt.Errorf("watch root: %w", err)
	}
	if err := a.ch.Reconnect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.logger.Info("startup scan", "root", a.cfg.Root, "max_depth", a.tree.MaxDepth())
	if err := a.Process(ctx, a.cfg.Root, 1, true); err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}
	return nil
}

// Loop dispatches watch events until ctx is cancelled or a fatal error occurs.
func (a *Agent) Loop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.fac.Events():
			if err := a.handle(ctx, ev); err != nil {
				return err
			}
		case err := <-a.fac.Errors():
			if err := a.handleFacilityError(ctx, err); err != nil {
				return err
			}
		case now := <-ticker.C:
			a.logger.Debug("heartbeat", "connected", a.ch.Connected(), "seq", a.sender.Sequence().Current())
			a.metrics.RecordHeartbeat(now)
		}
	}
}

// Close releases every watch subscription and the facility.
func (a *Agent) Close() error {
	return a.tree.Close()
}

func (a *Agent) handle(ctx context.Context, ev watch.Event) error {
	p, ok := a.tree.DepthOf(ev.Handle)
	if !ok {
		a.logger.Debug("event from retired watch", "handle", int(ev.Handle), "name", ev.Name, "op", ev.Op)
		return nil
	}
	parent, err := a.tree.Slot(p)
	if err != nil {
		return err
	}

	switch ev.Op {
	case watch.OpDirCreated:
		return a.directoryCreated(ctx, p, filepath.Join(parent.Path, ev.Name))
	case watch.OpFileClosed:
		if p != a.tree.MaxDepth() {
			a.logger.Warn("unexpected file outside deepest watch", "dir", parent.Path, "name", ev.Name, "depth", p)
			return nil
		}
		return a.deliver(ctx, filepath.Join(parent.Path, ev.Name))
	default:
		return nil
	}
}

func (a *Agent) directoryCreated(ctx context.Context, parentDepth int, dir string) error {
	d := parentDepth + 1
	if d > a.tree.MaxDepth() {
		a.logger.Debug("ignoring directory below max depth", "dir", dir, "depth", d)
		return nil
	}
	if cur, err := a.tree.Slot(d); err == nil && cur.Active() && isOlderSibling(dir, cur.Path) {
		a.logger.Info("ignoring stale directory event", "dir", dir, "active", cur.Path, "depth", d)
		return nil
	}
	rotated, err := a.tree.Rotate(d, dir)
	if err != nil {
		a.logger.Warn("failed to watch new directory", "dir", dir, "depth", d, "error", err)
		return nil
	}
	if !rotated {
		a.logger.Debug("duplicate directory event", "dir", dir, "depth", d)
		return nil
	}
	a.metrics.RecordRotation()
	a.logger.Info("watch rotated", "dir", dir, "depth", d)

	return a.recoverable(ctx, a.Process(ctx, dir, d+1, true), dir)
}

// isOlderSibling reports whether dir shares a parent with active and sorts
// before it. Directories are created in name order, so such an event is late.
func isOlderSibling(dir, active string) bool {
	return filepath.Dir(dir) == filepath.Dir(active) && filepath.Base(dir) < filepath.Base(active)
}

// handleFacilityError rescans from the root after lost events. A stopped
// facility ends the loop since no further events can arrive.
func (a *Agent) handleFacilityError(ctx context.Context, err error) error {
	if errors.Is(err, watch.ErrStopped) {
		return fmt.Errorf("watch: %w", err)
	}
	if !errors.Is(err, watch.ErrOverflow) {
		a.logger.Warn("watch error", "error", err)
		return nil
	}
	a.logger.Warn("watch events lost, rescanning", "root", a.cfg.Root)
	return a.recoverable(ctx, a.Process(ctx, a.cfg.Root, 1, true), a.cfg.Root)
}

// recoverable filters errors that must stop the loop from those that only
// affect one directory.
func (a *Agent) recoverable(ctx context.Context, err error, dir string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, transfer.ErrRetriesExhausted) {
		return err
	}
	a.logger.Error("directory scan failed", "dir", dir, "error", err)
	return nil
}
