package domain

import "context"

// Messenger is the outbound half of the chat transport.
type Messenger interface {
	// SendText posts a message and returns its provider-assigned message id.
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	SendTyping(ctx context.Context, chatID int64) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// InterimNotice identifies a transient "processing" message.
type InterimNotice struct {
	ChatID    int64
	MessageID int
}
