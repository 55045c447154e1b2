package domain

import "time"

// EventKind classifies an inbound chat event for handler routing.
type EventKind string

const (
	KindCommand EventKind = "command"
	KindText    EventKind = "text"
	KindIgnored EventKind = "ignored" // non-text updates (stickers, edits, callbacks)
)

// InboundEvent is one chat-provider update reduced to what the relay needs.
// It is immutable once received.
type InboundEvent struct {
	ChatID     int64
	MessageID  int
	SenderID   int64
	Text       string
	Kind       EventKind
	Command    string // command name without the leading slash or @bot suffix
	ReceivedAt time.Time
}

// IsCommand reports whether the event carries a bot command.
func (e InboundEvent) IsCommand() bool { return e.Kind == KindCommand }
