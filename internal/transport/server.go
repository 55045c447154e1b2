package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"relaybot/internal/metrics"
)

const livenessText = "Telegram relay bot is running"

// newRouter builds the embedded HTTP surface: liveness, health and metrics
// always; the webhook endpoint only when webhook is non-nil.
func newRouter(webhookPath string, webhook http.Handler, requestsPerMinute int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, livenessText)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if webhook != nil {
		if requestsPerMinute > 0 {
			r.With(webhookRateLimit(requestsPerMinute)).Post(webhookPath, webhook.ServeHTTP)
		} else {
			r.Post(webhookPath, webhook.ServeHTTP)
		}
	}
	return r
}

// webhookRateLimit caps webhook requests per client IP with a sliding window.
func webhookRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate limit exceeded"})
		}),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
