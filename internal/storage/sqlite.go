package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	logx "storypipe/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type entryRow struct {
	Account    string `db:"account"`
	Period     string `db:"period"`
	SourceURL  string `db:"source_url"`
	Filename   string `db:"filename"`
	RecordedAt int64  `db:"recorded_at"`
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the primary key makes inserts
	// idempotent on top of that.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) HasEntry(ctx context.Context, k Key) (bool, error) {
	if err := k.validate(); err != nil {
		return false, err
	}
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM ledger WHERE account = ? AND period = ? AND source_url = ?`,
		k.Account, k.Period, k.SourceURL)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Record(ctx context.Context, k Key, filename string) error {
	if err := k.validate(); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO ledger (account, period, source_url, filename, recorded_at)
		 VALUES (:account, :period, :source_url, :filename, :recorded_at)
		 ON CONFLICT(account, period, source_url) DO NOTHING`,
		entryRow{
			Account:    k.Account,
			Period:     k.Period,
			SourceURL:  k.SourceURL,
			Filename:   filename,
			RecordedAt: time.Now().UnixMilli(),
		})
	return err
}

func (s *sqliteStore) Entries(ctx context.Context, account, period string) ([]Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT account, period, source_url, filename, recorded_at FROM ledger
		 WHERE account = ? AND period = ? ORDER BY recorded_at, source_url`,
		account, period)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{
			Account:    r.Account,
			Period:     r.Period,
			SourceURL:  r.SourceURL,
			Filename:   r.Filename,
			RecordedAt: time.UnixMilli(r.RecordedAt),
		}
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
