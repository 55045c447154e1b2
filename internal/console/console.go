// Package console drives the relay from a terminal: each input line becomes
// an inbound event and outbound messages are printed.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/relay"
)

// ChatID is the chat id used for console sessions.
const ChatID int64 = 1

// Dispatcher routes one inbound event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.InboundEvent) relay.Result
}

// Console implements domain.Messenger on a terminal.
type Console struct {
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	spinner bool

	mu        sync.Mutex
	nextID    int
	thinking  bool
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type Config struct {
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
	Spinner bool // animate while a typing indicator is active
}

var _ domain.Messenger = (*Console)(nil)

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
	}
}

// Run reads lines until EOF, an empty line, /quit or ctx cancellation, and
// dispatches each one synchronously.
func (c *Console) Run(ctx context.Context, d Dispatcher) error {
	_, _ = fmt.Fprintln(c.out, "relaybot console. Type a question and press Enter. Empty line or /quit exits.")
	_, _ = fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Debug("console session ended")
			return nil
		}

		res := d.Dispatch(ctx, EventFromLine(line))
		c.stopThinking()
		if res.Outcome == domain.OutcomeIgnored {
			_, _ = fmt.Fprintln(c.out, "(ignored)")
		}
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

// EventFromLine turns one line of input into an inbound event. Lines starting
// with "/" are commands.
func EventFromLine(line string) domain.InboundEvent {
	ev := domain.InboundEvent{
		ChatID:     ChatID,
		SenderID:   ChatID,
		Text:       line,
		Kind:       domain.KindText,
		ReceivedAt: time.Now(),
	}
	if strings.HasPrefix(line, "/") {
		name := strings.Fields(line)[0][1:]
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		ev.Kind = domain.KindCommand
		ev.Command = strings.ToLower(name)
	}
	return ev
}

func (c *Console) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if _, err := fmt.Fprintf(c.out, "\r\033[K--- bot [%d] ---\n%s\n", c.nextID, text); err != nil {
		return 0, err
	}
	return c.nextID, nil
}

func (c *Console) SendTyping(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.spinner {
		c.startThinking()
	}
	return nil
}

// DeleteMessage notes the removal; terminal output cannot be retracted.
func (c *Console) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	c.stopThinking()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "--- bot [%d] deleted ---\n", messageID)
	return err
}

func (c *Console) startThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				_, _ = fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				c.mu.Unlock()
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *Console) stopThinking() {
	c.mu.Lock()
	if !c.thinking {
		c.mu.Unlock()
		return
	}
	c.thinking = false
	close(c.thinkStop)
	done := c.thinkDone
	c.mu.Unlock()

	<-done
	_, _ = fmt.Fprint(c.out, "\r\033[K")
}
