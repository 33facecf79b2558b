package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"storypipe/internal/domain"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSONL journals under Path (a directory)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Key identifies one fetched item.
type Key struct {
	Account   string
	Period    string
	SourceURL string
}

func (k Key) validate() error {
	if strings.TrimSpace(k.SourceURL) == "" {
		return fmt.Errorf("%w: ledger key has no source url", domain.ErrConfig)
	}
	for _, part := range []string{k.Account, k.Period} {
		if part == "" || part == "." || part == ".." || filepath.Base(part) != part || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("%w: invalid ledger scope %q", domain.ErrConfig, part)
		}
	}
	return nil
}

// Entry is one ledger record. Entries are written once and never mutated.
type Entry struct {
	Account    string    `json:"account"`
	Period     string    `json:"period"`
	SourceURL  string    `json:"source_url"`
	Filename   string    `json:"filename"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger is the idempotency record used by the download stage.
type Ledger interface {
	HasEntry(ctx context.Context, k Key) (bool, error)
	// Record is a no-op when k already has an entry.
	Record(ctx context.Context, k Key, filename string) error
	Entries(ctx context.Context, account, period string) ([]Entry, error)
	Close() error
}
