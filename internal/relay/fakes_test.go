package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sentMessage is one outbound operation recorded by fakeMessenger.
type sentMessage struct {
	Op        string // "send" | "typing" | "delete"
	ChatID    int64
	MessageID int
	Text      string
}

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	ops      []sentMessage
	failSend func(text string, n int) bool // n counts SendText calls from 1
	failType bool
	failDel  bool
	sends    int
}

func (f *fakeMessenger) SendText(_ context.Context, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.failSend != nil && f.failSend(text, f.sends) {
		return 0, errors.New("telegram: Bad Request")
	}
	f.nextID++
	f.ops = append(f.ops, sentMessage{Op: "send", ChatID: chatID, MessageID: 100 + f.nextID, Text: text})
	return 100 + f.nextID, nil
}

func (f *fakeMessenger) SendTyping(_ context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failType {
		return errors.New("typing failed")
	}
	f.ops = append(f.ops, sentMessage{Op: "typing", ChatID: chatID})
	return nil
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel {
		return errors.New("message to delete not found")
	}
	f.ops = append(f.ops, sentMessage{Op: "delete", ChatID: chatID, MessageID: messageID})
	return nil
}

func (f *fakeMessenger) recorded() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.ops...)
}

func (f *fakeMessenger) texts() []string {
	var out []string
	for _, op := range f.recorded() {
		if op.Op == "send" {
			out = append(out, op.Text)
		}
	}
	return out
}

func (f *fakeMessenger) count(op string) int {
	n := 0
	for _, o := range f.recorded() {
		if o.Op == op {
			n++
		}
	}
	return n
}

type fakeBackend struct {
	healthy bool
	report  domain.StatusReport
	infoErr error
	result  domain.BackendResult
	err     error
	panicOn bool
	queryFn func(ctx context.Context, text string) (domain.BackendResult, error)

	mu      sync.Mutex
	queries []string
}

func (b *fakeBackend) CheckHealth(context.Context) bool { return b.healthy }

func (b *fakeBackend) GetDocumentInfo(context.Context) (domain.StatusReport, error) {
	return b.report, b.infoErr
}

func (b *fakeBackend) Query(ctx context.Context, text string) (domain.BackendResult, error) {
	b.mu.Lock()
	b.queries = append(b.queries, text)
	b.mu.Unlock()
	if b.panicOn {
		panic("backend exploded")
	}
	if b.queryFn != nil {
		return b.queryFn(ctx, text)
	}
	return b.result, b.err
}

func (b *fakeBackend) queryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queries)
}
