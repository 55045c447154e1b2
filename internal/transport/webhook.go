package transport

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/bus"
	"relaybot/internal/telegram"
)

const (
	// SecretHeader carries the secret_token registered with setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	maxWebhookBody = 1 << 20
)

// webhookHandler decodes Telegram updates pushed to the webhook endpoint and
// dispatches each one synchronously inside the request.
type webhookHandler struct {
	router  EventRouter
	secret  string
	botName string
	bus     *bus.EventBus
	logger  *slog.Logger
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, updateID := h.handle(w, r)
	h.bus.Emit(bus.Event{
		Type:    bus.EventWebhookReceived,
		Source:  "transport",
		Payload: &bus.WebhookReceived{Status: status, UpdateID: updateID},
	})
}

func (h *webhookHandler) handle(w http.ResponseWriter, r *http.Request) (int, int) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if got == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "missing secret token"})
			return http.StatusUnauthorized, 0
		}
		if !hmac.Equal([]byte(got), []byte(h.secret)) {
			h.logger.Warn("webhook secret mismatch", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "invalid secret token"})
			return http.StatusForbidden, 0
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	defer r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "cannot read body"})
		return http.StatusBadRequest, 0
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		h.logger.Warn("invalid webhook payload", "err", err, "bytes", len(body))
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid update"})
		return http.StatusBadRequest, 0
	}

	// The cycle runs to completion even if Telegram drops the connection.
	ev := telegram.EventFromUpdate(update, h.botName)
	res := h.router.Dispatch(context.WithoutCancel(r.Context()), ev)
	h.logger.Debug("webhook update handled",
		"update_id", update.UpdateID, "chat_id", ev.ChatID, "kind", ev.Kind, "outcome", res.Outcome)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	return http.StatusOK, update.UpdateID
}
