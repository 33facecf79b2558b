// Package settings persists the operator-editable state: followed accounts,
// the daily schedule and publish credentials.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"storypipe/internal/domain"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

const fileVersion = 1

type document struct {
	V           int                   `json:"v"`
	Accounts    []domain.Account      `json:"accounts"`
	Schedule    domain.ScheduleConfig `json:"schedule"`
	Credentials []domain.Credential   `json:"credentials"`
}

// Store is a single JSON file guarded by one mutex. Every mutation rewrites
// the whole file before it returns.
type Store struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	doc document
}

// Open loads path, or starts from defaults when it does not exist yet.
func Open(path string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: settings path is empty", domain.ErrConfig)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log.Component("settings"), doc: document{V: fileVersion, Schedule: domain.DefaultSchedule()}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.Info("settings file not found, using defaults", logx.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse settings %s: %v", domain.ErrConfig, path, err)
	}
	if doc.Schedule.MergeMode == "" {
		doc.Schedule.MergeMode = domain.MergeNone
	}
	if err := doc.Schedule.Validate(); err != nil {
		s.log.Warn("stored schedule invalid, using defaults", logx.Err(err))
		doc.Schedule = domain.DefaultSchedule()
	}
	doc.V = fileVersion
	s.doc = doc
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Accounts() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Account(nil), s.doc.Accounts...)
}

// EnabledAccounts returns enabled usernames in insertion order.
func (s *Store) EnabledAccounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, a := range s.doc.Accounts {
		if a.Enabled {
			out = append(out, a.Username)
		}
	}
	return out
}

// AddAccount adds an enabled account. Adding an existing one is a no-op.
func (s *Store) AddAccount(raw string) (domain.Account, error) {
	name, err := domain.NormalizeUsername(raw)
	if err != nil {
		return domain.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(name); i >= 0 {
		return s.doc.Accounts[i], nil
	}
	acc := domain.Account{Username: name, Enabled: true}
	next := s.doc
	next.Accounts = append(append([]domain.Account(nil), s.doc.Accounts...), acc)
	if err := s.commitLocked(next); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

// ToggleAccount flips Enabled and returns the new state.
func (s *Store) ToggleAccount(name string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(name)
	if i < 0 {
		return domain.Account{}, fmt.Errorf("%w: account %q", domain.ErrNotFound, name)
	}
	next := s.doc
	next.Accounts = append([]domain.Account(nil), s.doc.Accounts...)
	next.Accounts[i].Enabled = !next.Accounts[i].Enabled
	if err := s.commitLocked(next); err != nil {
		return domain.Account{}, err
	}
	return next.Accounts[i], nil
}

func (s *Store) RemoveAccount(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: account %q", domain.ErrNotFound, name)
	}
	next := s.doc
	next.Accounts = make([]domain.Account, 0, len(s.doc.Accounts)-1)
	next.Accounts = append(next.Accounts, s.doc.Accounts[:i]...)
	next.Accounts = append(next.Accounts, s.doc.Accounts[i+1:]...)
	return s.commitLocked(next)
}

func (s *Store) Schedule() domain.ScheduleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Schedule
}

// SaveSchedule validates and persists cfg. Invalid input leaves the stored
// schedule untouched.
func (s *Store) SaveSchedule(cfg domain.ScheduleConfig) (domain.ScheduleConfig, error) {
	mode, err := domain.ParseMergeMode(string(cfg.MergeMode))
	if err != nil {
		return domain.ScheduleConfig{}, err
	}
	cfg.MergeMode = mode
	if err := cfg.Validate(); err != nil {
		return domain.ScheduleConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.Schedule = cfg
	if err := s.commitLocked(next); err != nil {
		return domain.ScheduleConfig{}, err
	}
	s.log.Info("schedule saved", logx.Bool("enabled", cfg.Enabled), logx.Int("hour", cfg.Hour), logx.Int("minute", cfg.Minute), logx.String("merge_mode", string(cfg.MergeMode)))
	return cfg, nil
}

// Credentials are returned in rotation order.
func (s *Store) Credentials() []domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.SortCredentials(s.doc.Credentials)
}

// AddCredential inserts or replaces the credential with the same ID.
func (s *Store) AddCredential(c domain.Credential) error {
	c.ID = strings.TrimSpace(c.ID)
	c.TokenRef = strings.TrimSpace(c.TokenRef)
	if c.ID == "" || c.TokenRef == "" {
		return fmt.Errorf("%w: credential needs id and token_ref", domain.ErrConfig)
	}
	if filepath.IsAbs(c.TokenRef) || strings.Contains(c.TokenRef, "..") {
		return fmt.Errorf("%w: token_ref must be a relative name", domain.ErrConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.Credentials = make([]domain.Credential, 0, len(s.doc.Credentials)+1)
	for _, old := range s.doc.Credentials {
		if old.ID != c.ID {
			next.Credentials = append(next.Credentials, old)
		}
	}
	next.Credentials = append(next.Credentials, c)
	sort.SliceStable(next.Credentials, func(i, j int) bool { return next.Credentials[i].ID < next.Credentials[j].ID })
	return s.commitLocked(next)
}

func (s *Store) RemoveCredential(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.Credentials = nil
	found := false
	for _, c := range s.doc.Credentials {
		if c.ID == id {
			found = true
			continue
		}
		next.Credentials = append(next.Credentials, c)
	}
	if !found {
		return fmt.Errorf("%w: credential %q", domain.ErrNotFound, id)
	}
	return s.commitLocked(next)
}

func (s *Store) indexLocked(name string) int {
	for i, a := range s.doc.Accounts {
		if a.Username == name {
			return i
		}
	}
	return -1
}

// commitLocked writes next and only then makes it current.
func (s *Store) commitLocked(next document) error {
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if _, err := workspace.WriteFile(s.path, bytes.NewReader(append(b, '\n'))); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.doc = next
	return nil
}
