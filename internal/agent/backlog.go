package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sheerbytes/gridsend/internal/transfer"
	"github.com/sheerbytes/gridsend/pkg/catalog"
)

// Process sends every file under dir in catalog order, depth first. The
// lexicographically last subdirectory is watched at depth before it is
// walked when installWatch is set and depth is within the tree. Other
// subdirectories are removed once emptied.
func (a *Agent) Process(ctx context.Context, dir string, depth int, installWatch bool) error {
	listing, err := catalog.Scan(dir, a.cfg.Limits)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}

	for _, name := range listing.Files {
		if err := a.deliver(ctx, filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	for i, name := range listing.Dirs {
		sub := filepath.Join(dir, name)
		watched := installWatch && i == len(listing.Dirs)-1 && depth <= a.tree.MaxDepth()
		if watched {
			rotated, err := a.tree.Rotate(depth, sub)
			if err != nil {
				return err
			}
			if rotated {
				a.metrics.RecordRotation()
			}
		}

		if err := a.Process(ctx, sub, depth+1, watched); err != nil {
			return err
		}

		if !watched {
			if err := os.Remove(sub); err != nil {
				a.logger.Debug("keeping directory", "dir", sub, "error", err)
			}
		}
	}
	return nil
}

// deliver sends one file. Unreadable files are skipped.
func (a *Agent) deliver(ctx context.Context, path string) error {
	outcome, err := a.sender.SendUntilSuccess(ctx, path)
	if err != nil {
		if errors.Is(err, transfer.ErrReadFailed) {
			a.logger.Warn("skipping unreadable file", "path", path, "error", err)
			return nil
		}
		return err
	}
	a.logger.Debug("file processed", "path", path, "outcome", outcome.String())
	return nil
}
