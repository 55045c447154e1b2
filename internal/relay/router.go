package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// Handler processes one inbound event.
type Handler func(ctx context.Context, ev domain.InboundEvent) Result

// Router is the explicit handler table: commands by name, everything else by
// event kind. It is populated once at startup and read-only afterwards.
type Router struct {
	commands map[string]Handler
	kinds    map[domain.EventKind]Handler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		commands: make(map[string]Handler),
		kinds:    make(map[domain.EventKind]Handler),
		logger:   logger,
	}
}

// HandleCommand registers h for /name. Names are case-insensitive.
func (r *Router) HandleCommand(name string, h Handler) {
	r.commands[strings.ToLower(strings.TrimPrefix(name, "/"))] = h
}

// HandleKind registers h for non-command events of the given kind.
func (r *Router) HandleKind(kind domain.EventKind, h Handler) {
	r.kinds[kind] = h
}

// Commands returns the registered command names, sorted.
func (r *Router) Commands() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes ev to its handler. Events without a handler, including
// unknown commands, are ignored. A handler panic is recovered and reported
// as a panicked result.
func (r *Router) Dispatch(ctx context.Context, ev domain.InboundEvent) (res Result) {
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	var h Handler
	if ev.IsCommand() {
		h = r.commands[strings.ToLower(ev.Command)]
	} else {
		h = r.kinds[ev.Kind]
	}
	if h == nil {
		r.logger.Debug("event ignored", "chat_id", ev.ChatID, "kind", ev.Kind, "command", ev.Command)
		return Result{State: StateDone, Outcome: domain.OutcomeIgnored}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", "chat_id", ev.ChatID, "kind", ev.Kind, "panic", p, "stack", string(debug.Stack()))
			res = Result{State: StateDone, Outcome: domain.OutcomePanicked, Err: fmt.Errorf("handler panic: %v", p)}
		}
	}()
	return h(ctx, ev)
}
