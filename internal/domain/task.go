package domain

import (
	"fmt"
	"time"
)

type TaskKind string

const (
	KindDownload      TaskKind = "download"
	KindDownloadBatch TaskKind = "downloadBatch"
	KindMerge         TaskKind = "merge"
	KindPublish       TaskKind = "publish"
	KindPublishFile   TaskKind = "publishFile"
	KindPublishAll    TaskKind = "publishAll"
)

var taskKinds = []TaskKind{
	KindDownload, KindDownloadBatch, KindMerge, KindPublish, KindPublishFile, KindPublishAll,
}

func TaskKinds() []TaskKind { return append([]TaskKind(nil), taskKinds...) }

func ParseTaskKind(s string) (TaskKind, error) {
	for _, k := range taskKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task kind %q", ErrNotFound, s)
}

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusError   TaskStatus = "error"
	// StatusNotFound is only ever returned by lookups.
	StatusNotFound TaskStatus = "not_found"
)

func (s TaskStatus) Terminal() bool { return s == StatusDone || s == StatusError }

// TaskView is a consistent snapshot of a task.
type TaskView struct {
	ID        string     `json:"id"`
	Kind      TaskKind   `json:"kind,omitempty"`
	Status    TaskStatus `json:"status"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	UpdatedAt time.Time  `json:"updated_at,omitzero"`
}

// PeriodKey is the ledger/workspace scope for t: its calendar day in loc.
func PeriodKey(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01-02")
}

// ValidPeriod reports whether s looks like a PeriodKey.
func ValidPeriod(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
