// Package transport ties the Telegram subscription to the process lifecycle.
// In polling mode it long-polls Telegram and feeds the dispatcher; in webhook
// mode it registers the webhook and serves it. Both modes expose the same
// liveness, health and metrics endpoints.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"relaybot/internal/bus"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/relay"
	"relaybot/internal/telegram"
)

// Subscription is the inbound half of the chat transport.
type Subscription interface {
	Poll(timeoutSeconds int) tgbotapi.UpdatesChannel
	StopPolling()
	SetWebhook(url, secret string, dropPending bool) error
	DeleteWebhook() error
}

// EventRouter dispatches one event to its handler.
type EventRouter interface {
	Dispatch(ctx context.Context, ev domain.InboundEvent) relay.Result
}

// State is the subscription lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrStreamTimeout is returned when the update stream does not close in time.
	ErrStreamTimeout = errors.New("update stream did not close in time")
)

type Config struct {
	Mode         string // config.ModePolling | config.ModeWebhook
	Subscription Subscription
	Router       EventRouter
	Dispatcher   *relay.Dispatcher // required in polling mode

	// Listener, when set, is used instead of listening on ListenAddr.
	Listener   net.Listener
	ListenAddr string

	PollTimeoutSeconds int

	// BotUsername filters out commands addressed to other bots (/help@other).
	BotUsername string

	WebhookEndpoint          string // full external URL registered with Telegram
	WebhookPath              string
	WebhookSecret            string
	WebhookRequestsPerMinute int
	DropPendingUpdates       bool
	DeleteWebhookOnStop      bool

	ShutdownTimeout time.Duration // HTTP listener shutdown
	DrainTimeout    time.Duration // update stream close and worker drain, each

	Bus    *bus.EventBus
	Logger *slog.Logger
}

// Manager owns the subscription and the embedded HTTP listener for the
// lifetime of one Run call.
type Manager struct {
	cfg     Config
	started atomic.Bool
	state   atomic.Int32
	logger  *slog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Subscription == nil {
		return nil, errors.New("transport: subscription is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("transport: router is required")
	}
	switch cfg.Mode {
	case config.ModePolling:
		if cfg.Dispatcher == nil {
			return nil, errors.New("transport: polling mode requires a dispatcher")
		}
	case config.ModeWebhook:
		if cfg.WebhookEndpoint == "" {
			return nil, config.ErrMissingWebhookURL
		}
		if cfg.WebhookPath == "" {
			cfg.WebhookPath = "/webhook"
		}
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", cfg.Mode)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger.With("mode", cfg.Mode)}, nil
}

// State returns the current subscription state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.logger.Info("transport state changed", "state", s.String())
	m.cfg.Bus.Emit(bus.Event{
		Type:    bus.EventTransportState,
		Source:  "transport",
		Payload: &bus.TransportStateChanged{Mode: m.cfg.Mode, State: s.String()},
	})
}

// Handler returns the HTTP surface served by Run.
func (m *Manager) Handler() http.Handler {
	var webhook http.Handler
	if m.cfg.Mode == config.ModeWebhook {
		webhook = &webhookHandler{
			router:  m.cfg.Router,
			secret:  m.cfg.WebhookSecret,
			botName: m.cfg.BotUsername,
			bus:     m.cfg.Bus,
			logger:  m.logger,
		}
	}
	return newRouter(m.cfg.WebhookPath, webhook, m.cfg.WebhookRequestsPerMinute)
}

// Run activates the subscription and serves until ctx is cancelled, then
// shuts down in order and leaves the manager Stopped. Startup failures
// return before the subscription becomes Active.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln := m.cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", m.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var updates tgbotapi.UpdatesChannel
	switch m.cfg.Mode {
	case config.ModeWebhook:
		if err := m.cfg.Subscription.SetWebhook(m.cfg.WebhookEndpoint, m.cfg.WebhookSecret, m.cfg.DropPendingUpdates); err != nil {
			ln.Close()
			return fmt.Errorf("register webhook: %w", err)
		}
	case config.ModePolling:
		// Telegram refuses getUpdates while a webhook is registered.
		if err := m.cfg.Subscription.DeleteWebhook(); err != nil {
			ln.Close()
			return fmt.Errorf("clear webhook before polling: %w", err)
		}
		updates = m.cfg.Subscription.Poll(m.cfg.PollTimeoutSeconds)
	}
	m.setState(StateActive)
	m.logger.Info("transport started", "addr", ln.Addr().String())

	// receive outlives ctx: it keeps handing buffered updates to the
	// dispatcher until the stream closes. abandon cuts it short only when
	// the stream does not close within the drain timeout.
	abandon, abandonCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer abandonCancel()
	received := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if updates != nil {
		g.Go(func() error {
			defer close(received)
			m.receive(abandon, updates)
			return nil
		})
	} else {
		close(received)
	}
	g.Go(func() error {
		<-gctx.Done()
		return m.shutdown(srv, updates != nil, received, abandonCancel)
	})

	err := g.Wait()
	m.setState(StateStopped)
	return err
}

// receive submits every polled update to the dispatcher until the stream
// closes or ctx is done. Submit blocks while all workers are busy.
func (m *Manager) receive(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			m.logger.Warn("update stream abandoned", "err", ctx.Err())
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			ev := telegram.EventFromUpdate(u, m.cfg.BotUsername)
			err := m.cfg.Dispatcher.Submit(ctx, func(runCtx context.Context) {
				m.cfg.Router.Dispatch(runCtx, ev)
			})
			if err != nil {
				m.logger.Warn("update not dispatched", "update_id", u.UpdateID, "chat_id", ev.ChatID, "err", err)
			}
		}
	}
}

// shutdown stops receiving, waits until every buffered update has been
// handed to the dispatcher and the stream is closed, drains in-flight
// cycles, stops the HTTP listener and finally unregisters the webhook when
// configured.
func (m *Manager) shutdown(srv *http.Server, polling bool, received <-chan struct{}, abandon context.CancelFunc) error {
	m.logger.Info("transport stopping")
	var errs []error

	if polling {
		m.cfg.Subscription.StopPolling()
		timer := time.NewTimer(m.cfg.DrainTimeout)
		select {
		case <-received:
		case <-timer.C:
			errs = append(errs, fmt.Errorf("%w after %s", ErrStreamTimeout, m.cfg.DrainTimeout))
			abandon()
		}
		timer.Stop()

		drainCtx, cancel := context.WithTimeout(context.Background(), m.cfg.DrainTimeout)
		if err := m.cfg.Dispatcher.Drain(drainCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	// Shutdown waits for in-flight webhook requests, and therefore their cycles.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if m.cfg.Mode == config.ModeWebhook && m.cfg.DeleteWebhookOnStop {
		if err := m.cfg.Subscription.DeleteWebhook(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
