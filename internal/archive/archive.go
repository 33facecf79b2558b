// Package archive moves published units out of the pending set, so a
// later publishAll does not pick them up again.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"storypipe/internal/config"
	"storypipe/internal/domain"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

// Archiver takes every published unit of one account/period.
type Archiver interface {
	Archive(ctx context.Context, account, period string, paths []string) error
	Name() string
}

// New picks the driver named in cfg.
func New(ctx context.Context, cfg config.ArchiveConfig, ws *workspace.Workspace, log logx.Logger) (Archiver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(ws), nil
	case "s3":
		return NewS3(ctx, cfg.S3, log)
	default:
		return nil, fmt.Errorf("%w: unknown archive driver %q", domain.ErrConfig, cfg.Driver)
	}
}

// Local renames units into merged/published/ next to where they were made.
type Local struct {
	ws *workspace.Workspace
}

func NewLocal(ws *workspace.Workspace) *Local { return &Local{ws: ws} }

func (l *Local) Name() string { return "local" }

func (l *Local) Archive(ctx context.Context, account, period string, paths []string) error {
	dst := l.ws.PublishedDir(account, period)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Rename(p, filepath.Join(dst, filepath.Base(p))); err != nil {
			return fmt.Errorf("archive %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
