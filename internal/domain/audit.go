package domain

import (
	"context"
	"time"
)

// Relay cycle outcomes.
const (
	OutcomeAnswered       = "answered"        // answer delivered in full
	OutcomeDeliveryFailed = "delivery_failed" // answer obtained, an outbound chunk failed
	OutcomeErrored        = "errored"         // backend failed, apology sent
	OutcomeAborted        = "aborted"         // interim notice could not be sent
	OutcomeThrottled      = "throttled"       // rejected by per-chat flood control
	OutcomeReplied        = "replied"         // command answered
	OutcomePanicked       = "panicked"
	OutcomeIgnored        = "ignored" // unknown command or non-text update; never audited
)

// AuditEntry records the outcome of one relay cycle. It never carries message text.
type AuditEntry struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	ChatID        int64     `json:"chat_id"`
	Kind          string    `json:"kind"`    // text | command
	Command       string    `json:"command,omitempty"`
	Outcome       string    `json:"outcome"` // one of the Outcome* constants
	Chunks        int       `json:"chunks"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditStore persists relay cycle outcomes.
type AuditStore interface {
	Record(ctx context.Context, entry AuditEntry) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
	CountByOutcome(ctx context.Context) (map[string]int, error)
	Close() error
}
