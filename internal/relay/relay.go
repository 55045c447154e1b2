// Package relay runs one relay cycle per inbound chat event: commands are
// answered directly, free text is forwarded to the backend and the answer is
// sent back in chunks.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/backend"
	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/format"
	"relaybot/internal/metrics"
)

// State is a step of a relay cycle.
type State int

const (
	StateReceived State = iota
	StateTypingSent
	StateNoticeSent
	StateAnswered
	StateErrored
	StateAborted
	StateThrottled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateTypingSent:
		return "typing_sent"
	case StateNoticeSent:
		return "notice_sent"
	case StateAnswered:
		return "answered"
	case StateErrored:
		return "errored"
	case StateAborted:
		return "aborted"
	case StateThrottled:
		return "throttled"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result summarizes a finished cycle.
type Result struct {
	CorrelationID string
	State         State   // last state before Done, or Done for ignored events
	Trace         []State // states visited, in order
	Outcome       string  // one of the domain.Outcome* constants
	Chunks        int     // answer chunks delivered
	Err           error
}

// Relay owns the per-event workflow. It is safe for concurrent use; each
// cycle only touches its own Result.
type Relay struct {
	backend   domain.Backend
	messenger domain.Messenger
	bus       *bus.EventBus
	limiter   *ChatLimiter
	maxRunes  int
	newID     func() string
	logger    *slog.Logger
}

type Config struct {
	Backend         domain.Backend
	Messenger       domain.Messenger
	Bus             *bus.EventBus // optional
	Limiter         *ChatLimiter  // optional; nil disables flood control
	MaxMessageRunes int
	NewID           func() string // correlation ids; defaults to uuid.NewString
	Logger          *slog.Logger
}

func New(cfg Config) *Relay {
	if cfg.MaxMessageRunes <= 0 {
		cfg.MaxMessageRunes = format.DefaultLimit
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		backend:   cfg.Backend,
		messenger: cfg.Messenger,
		bus:       cfg.Bus,
		limiter:   cfg.Limiter,
		maxRunes:  cfg.MaxMessageRunes,
		newID:     cfg.NewID,
		logger:    cfg.Logger,
	}
}

// Register populates the handler table with the relay's commands and the
// free-text handler.
func (r *Relay) Register(router *Router) {
	router.HandleCommand("start", r.wrap(r.handleStart))
	router.HandleCommand("help", r.wrap(r.handleHelp))
	router.HandleCommand("status", r.wrap(r.handleStatus))
	router.HandleKind(domain.KindText, r.wrap(r.handleText))
}

// cycle is the mutable state of one running relay cycle.
type cycle struct {
	res    Result
	logger *slog.Logger
}

func (c *cycle) enter(s State) {
	c.res.State = s
	c.res.Trace = append(c.res.Trace, s)
}

// wrap gives every cycle a correlation id, timing, in-flight accounting and a
// completion event.
func (r *Relay) wrap(fn func(ctx context.Context, ev domain.InboundEvent, c *cycle)) Handler {
	return func(ctx context.Context, ev domain.InboundEvent) (res Result) {
		id := r.newID()
		c := &cycle{
			res:    Result{CorrelationID: id},
			logger: r.logger.With("correlation_id", id, "chat_id", ev.ChatID),
		}
		started := time.Now()
		metrics.InFlightCycles.Inc()

		defer func() {
			metrics.InFlightCycles.Dec()
			if p := recover(); p != nil {
				c.logger.Error("relay cycle panic", "panic", p, "stack", string(debug.Stack()))
				c.res.Outcome = domain.OutcomePanicked
				c.res.Err = fmt.Errorf("relay cycle panic: %v", p)
			}
			c.res.Trace = append(c.res.Trace, StateDone)
			r.complete(ev, c, time.Since(started))
			res = c.res
		}()

		c.enter(StateReceived)
		fn(ctx, ev, c)
		return c.res
	}
}

// complete logs the cycle and publishes it on the bus.
func (r *Relay) complete(ev domain.InboundEvent, c *cycle, elapsed time.Duration) {
	res := &c.res
	attrs := []any{"kind", ev.Kind, "outcome", res.Outcome, "chunks", res.Chunks, "duration", elapsed}
	if ev.Command != "" {
		attrs = append(attrs, "command", ev.Command)
	}
	if res.Err != nil {
		c.logger.Warn("relay cycle completed with error", append(attrs, "err", res.Err)...)
	} else {
		c.logger.Info("relay cycle completed", attrs...)
	}

	r.bus.Emit(bus.Event{
		Type:   bus.EventCycleCompleted,
		Source: "relay",
		Payload: &bus.CycleCompleted{
			CorrelationID: res.CorrelationID,
			ChatID:        ev.ChatID,
			Kind:          string(ev.Kind),
			Command:       ev.Command,
			Outcome:       res.Outcome,
			Chunks:        res.Chunks,
			Duration:      elapsed,
			Err:           res.Err,
		},
	})
}

func (r *Relay) handleStart(ctx context.Context, ev domain.InboundEvent, c *cycle) {
	r.reply(ctx, ev, c, format.Welcome())
}

func (r *Relay) handleHelp(ctx context.Context, ev domain.InboundEvent, c *cycle) {
	r.reply(ctx, ev, c, format.Help())
}

func (r *Relay) handleStatus(ctx context.Context, ev domain.InboundEvent, c *cycle) {
	report, err := backend.Report(ctx, r.backend)
	if err != nil {
		c.logger.Error("status check failed", "err", err)
	}
	r.reply(ctx, ev, c, format.FormatStatus(report))
}

// reply sends a single command response.
func (r *Relay) reply(ctx context.Context, ev domain.InboundEvent, c *cycle, text string) {
	if _, err := r.messenger.SendText(ctx, ev.ChatID, text); err != nil {
		metrics.IncSendFailure("send")
		c.res.Outcome = domain.OutcomeDeliveryFailed
		c.res.Err = fmt.Errorf("send reply: %w", err)
		return
	}
	c.res.Outcome = domain.OutcomeReplied
	c.res.Chunks = 1
}

// handleText runs the free-text flow: typing, interim notice, backend query,
// notice removal and chunked answer delivery.
func (r *Relay) handleText(ctx context.Context, ev domain.InboundEvent, c *cycle) {
	if !r.limiter.Allow(ev.ChatID) {
		c.enter(StateThrottled)
		c.res.Outcome = domain.OutcomeThrottled
		if _, err := r.messenger.SendText(ctx, ev.ChatID, format.RateLimited()); err != nil {
			metrics.IncSendFailure("send")
			c.logger.Warn("cannot send rate limit notice", "err", err)
		}
		return
	}

	if err := r.messenger.SendTyping(ctx, ev.ChatID); err != nil {
		metrics.IncSendFailure("typing")
		c.logger.Warn("cannot send typing indicator", "err", err)
	} else {
		c.enter(StateTypingSent)
	}

	noticeID, err := r.messenger.SendText(ctx, ev.ChatID, format.Processing())
	if err != nil {
		metrics.IncSendFailure("send")
		c.enter(StateAborted)
		c.res.Outcome = domain.OutcomeAborted
		c.res.Err = fmt.Errorf("send processing notice: %w", err)
		return
	}
	c.enter(StateNoticeSent)

	notice := &domain.InterimNotice{ChatID: ev.ChatID, MessageID: noticeID}
	defer func() {
		// Reached with a live notice only when the code below panics.
		if notice != nil {
			r.deleteNotice(ctx, c, *notice)
		}
	}()

	result, err := r.backend.Query(ctx, ev.Text)

	r.deleteNotice(ctx, c, *notice)
	notice = nil

	if err != nil {
		c.logger.Error("backend query failed", "err", err)
		c.enter(StateErrored)
		c.res.Outcome = domain.OutcomeErrored
		c.res.Err = err
		if _, sendErr := r.messenger.SendText(ctx, ev.ChatID, format.FormatError()); sendErr != nil {
			metrics.IncSendFailure("send")
			c.logger.Warn("cannot send error reply", "err", sendErr)
		}
		return
	}

	chunks := format.FormatAnswer(result, r.maxRunes)
	c.enter(StateAnswered)
	c.res.Outcome = domain.OutcomeAnswered
	for i, chunk := range chunks {
		if _, err := r.messenger.SendText(ctx, ev.ChatID, chunk); err != nil {
			metrics.IncSendFailure("send")
			c.res.Outcome = domain.OutcomeDeliveryFailed
			c.res.Err = fmt.Errorf("send answer chunk %d/%d: %w", i+1, len(chunks), err)
			return
		}
		c.res.Chunks++
	}
}

// deleteNotice removes the interim notice. Failures are logged and counted
// but never change the cycle outcome.
func (r *Relay) deleteNotice(ctx context.Context, c *cycle, n domain.InterimNotice) {
	if err := r.messenger.DeleteMessage(context.WithoutCancel(ctx), n.ChatID, n.MessageID); err != nil {
		metrics.IncSendFailure("delete")
		c.logger.Warn("cannot delete processing notice", "message_id", n.MessageID, "err", err)
	}
}
