package notifier

import (
	"context"
	"time"
)

// Sender delivers one text message to the configured chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type Config struct {
	Enabled    bool
	RatePerSec int
	// OnlyErrors drops messages for jobs that finished done.
	OnlyErrors bool
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
	// DedupWindow suppresses identical texts sent within the window.
	DedupWindow time.Duration
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"error,omitempty"`
}
