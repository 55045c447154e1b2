// Package metrics exposes relaybot's Prometheus collectors. Collectors are
// registered on the default registry at init, so /metrics serves them through
// promhttp without further wiring.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaybot/internal/bus"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_events_total",
		Help: "Inbound chat events by kind",
	}, []string{"kind"})

	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_cycles_total",
		Help: "Completed relay cycles by outcome",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaybot_cycle_duration_seconds",
		Help:    "Wall time of a relay cycle from receipt to last outbound message",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	InFlightCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_inflight_cycles",
		Help: "Relay cycles currently executing",
	})

	BackendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_backend_requests_total",
		Help: "Backend requests by operation and result",
	}, []string{"op", "result"})

	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaybot_backend_latency_seconds",
		Help:    "Backend request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	SendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_transport_send_failures_total",
		Help: "Failed outbound chat operations by operation",
	}, []string{"op"})

	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_webhook_requests_total",
		Help: "Inbound webhook requests by HTTP status",
	}, []string{"status"})

	subscriptionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaybot_subscription_state",
		Help: "Transport subscription state by mode (active state=1; others 0)",
	}, []string{"mode", "state"})
)

var subscriptionStates = []string{"uninitialized", "active", "stopped"}

// SetSubscriptionState records the current subscription state for a mode.
func SetSubscriptionState(mode, state string) {
	for _, s := range subscriptionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		subscriptionState.WithLabelValues(mode, s).Set(value)
	}
}

// ObserveBackend records one backend call.
func ObserveBackend(op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BackendRequestsTotal.WithLabelValues(op, result).Inc()
	BackendLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// IncSendFailure records a failed outbound operation (send, typing, delete).
func IncSendFailure(op string) {
	SendFailuresTotal.WithLabelValues(op).Inc()
}

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Subscribe feeds relay and transport lifecycle events from eb into the
// collectors. It returns the handler IDs for unsubscription.
func Subscribe(eb *bus.EventBus) []string {
	return []string{
		eb.On(bus.EventCycleCompleted, func(e bus.Event) {
			c, ok := e.Payload.(*bus.CycleCompleted)
			if !ok {
				return
			}
			CyclesTotal.WithLabelValues(c.Outcome).Inc()
			CycleDuration.Observe(c.Duration.Seconds())
		}),
		eb.On(bus.EventTransportState, func(e bus.Event) {
			if s, ok := e.Payload.(*bus.TransportStateChanged); ok {
				SetSubscriptionState(s.Mode, s.State)
			}
		}),
		eb.On(bus.EventWebhookReceived, func(e bus.Event) {
			if w, ok := e.Payload.(*bus.WebhookReceived); ok {
				WebhookRequestsTotal.WithLabelValues(strconv.Itoa(w.Status)).Inc()
			}
		}),
	}
}
