package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "storypipe/pkg/logx"
)

// fileStore keeps one append-only journal per account and period:
//
//	<root>/<account>/<period>.jsonl
//
// A journal is replayed into memory on first use. Every Record appends one
// line and fsyncs before returning.
type fileStore struct {
	log  logx.Logger
	root string

	mu     sync.Mutex
	parts  map[string]*journal
	closed bool
}

// journal serializes all reads and writes for one account/period scope.
type journal struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	entries map[string]Entry // by source url
}

type journalRecord struct {
	URL        string `json:"url"`
	Filename   string `json:"filename"`
	RecordedAt int64  `json:"recorded_at"` // unix milli
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root, parts: map[string]*journal{}}, nil
}

func (s *fileStore) journalFor(account, period string) (*journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id := account + "/" + period
	j := s.parts[id]
	if j == nil {
		j = &journal{path: filepath.Join(s.root, account, period+".jsonl")}
		s.parts[id] = j
	}
	return j, nil
}

func (s *fileStore) HasEntry(ctx context.Context, k Key) (bool, error) {
	if err := k.validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	j, err := s.journalFor(k.Account, k.Period)
	if err != nil {
		return false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.loadLocked(k.Account, k.Period, s.log); err != nil {
		return false, err
	}
	_, ok := j.entries[k.SourceURL]
	return ok, nil
}

func (s *fileStore) Record(ctx context.Context, k Key, filename string) error {
	if err := k.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j, err := s.journalFor(k.Account, k.Period)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.loadLocked(k.Account, k.Period, s.log); err != nil {
		return err
	}
	if _, ok := j.entries[k.SourceURL]; ok {
		return nil
	}

	now := time.Now()
	if err := appendSynced(j.path, journalRecord{URL: k.SourceURL, Filename: filename, RecordedAt: now.UnixMilli()}); err != nil {
		return fmt.Errorf("ledger append %s: %w", j.path, err)
	}
	j.entries[k.SourceURL] = Entry{
		Account:    k.Account,
		Period:     k.Period,
		SourceURL:  k.SourceURL,
		Filename:   filename,
		RecordedAt: time.UnixMilli(now.UnixMilli()),
	}
	return nil
}

func (s *fileStore) Entries(ctx context.Context, account, period string) ([]Entry, error) {
	if err := (Key{Account: account, Period: period, SourceURL: "-"}).validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j, err := s.journalFor(account, period)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.loadLocked(account, period, s.log); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].RecordedAt.Equal(out[b].RecordedAt) {
			return out[a].RecordedAt.Before(out[b].RecordedAt)
		}
		return out[a].SourceURL < out[b].SourceURL
	})
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.parts = map[string]*journal{}
	s.mu.Unlock()
	return nil
}

func (j *journal) loadLocked(account, period string, log logx.Logger) error {
	if j.loaded {
		return nil
	}
	j.entries = map[string]Entry{}
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		j.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.URL == "" {
			// torn tail from a crash mid-append
			skipped++
			continue
		}
		if _, dup := j.entries[r.URL]; dup {
			continue
		}
		j.entries[r.URL] = Entry{
			Account:    account,
			Period:     period,
			SourceURL:  r.URL,
			Filename:   r.Filename,
			RecordedAt: time.UnixMilli(r.RecordedAt),
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if skipped > 0 {
		log.Warn("ledger journal had unreadable lines", logx.String("path", j.path), logx.Int("skipped", skipped))
	}
	j.loaded = true
	return nil
}

func appendSynced(path string, rec journalRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	// Start on a fresh line if a previous append was torn.
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, st.Size()-1); err == nil && last[0] != '\n' {
			b = append([]byte{'\n'}, b...)
		}
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
