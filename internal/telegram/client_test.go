package telegram

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

const testToken = "123456:TEST"

// fakeBotAPI is a minimal Telegram Bot API server recording every call.
type fakeBotAPI struct {
	t *testing.T

	mu      sync.Mutex
	calls   map[string][]url.Values
	handler func(method string, form url.Values) (status int, body string)
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	f := &fakeBotAPI{t: t, calls: make(map[string][]url.Values)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)
	r.ParseForm()

	f.mu.Lock()
	f.calls[method] = append(f.calls[method], r.PostForm)
	handler := f.handler
	f.mu.Unlock()

	if method == "getMe" {
		io.WriteString(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
		return
	}
	if handler != nil {
		status, body := handler(method, r.PostForm)
		w.WriteHeader(status)
		io.WriteString(w, body)
		return
	}
	io.WriteString(w, `{"ok":true,"result":true}`)
}

func (f *fakeBotAPI) callsTo(method string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.calls[method]...)
}

func dialFake(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := Dial(Config{
		Token:       testToken,
		APIEndpoint: srv.URL + "/bot%s/%s",
		HTTPClient:  srv.Client(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestDial(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	c := dialFake(t, srv)
	assert.Equal(t, "relay_bot", c.Username())
}

func TestDial_BadToken(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	_, err := Dial(Config{Token: "wrong", APIEndpoint: srv.URL + "/bot%s/%s", HTTPClient: srv.Client()})
	assert.Error(t, err)
}

func TestDial_EmptyToken(t *testing.T) {
	_, err := Dial(Config{Token: "  "})
	assert.Error(t, err)
}

func TestSendText(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handler = func(method string, form url.Values) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":555,"date":1700000000,"chat":{"id":7,"type":"private"}}}`
	}
	c := dialFake(t, srv)

	id, err := c.SendText(t.Context(), 7, "مرحبا")
	require.NoError(t, err)
	assert.Equal(t, 555, id)

	calls := f.callsTo("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "7", calls[0].Get("chat_id"))
	assert.Equal(t, "مرحبا", calls[0].Get("text"))
	assert.Empty(t, calls[0].Get("parse_mode"), "answers are sent as plain text")
}

func TestSendTypingAndDelete(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	c := dialFake(t, srv)

	require.NoError(t, c.SendTyping(t.Context(), 7))
	require.NoError(t, c.DeleteMessage(t.Context(), 7, 555))

	typing := f.callsTo("sendChatAction")
	require.Len(t, typing, 1)
	assert.Equal(t, "typing", typing[0].Get("action"))

	del := f.callsTo("deleteMessage")
	require.Len(t, del, 1)
	assert.Equal(t, "555", del[0].Get("message_id"))
}

func TestSendText_RateLimited(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handler = func(method string, form url.Values) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`
	}
	c := dialFake(t, srv)

	_, err := c.SendText(t.Context(), 7, "hi")
	require.Error(t, err)

	var apiErr *tgbotapi.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.Code)
	assert.Equal(t, 5, apiErr.RetryAfter)
	assert.Len(t, f.callsTo("sendMessage"), 1, "no retry on flood wait")
}

func TestSendText_CancelledContext(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	c := dialFake(t, srv)

	ctx, cancel := contextWithCancel(t)
	cancel()
	_, err := c.SendText(ctx, 7, "hi")
	assert.Error(t, err)
	assert.Empty(t, f.callsTo("sendMessage"))
}

func TestSetWebhook(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	c := dialFake(t, srv)

	require.NoError(t, c.SetWebhook("https://bot.example.com/webhook", "s3cret", true))

	calls := f.callsTo("setWebhook")
	require.Len(t, calls, 1)
	assert.Equal(t, "https://bot.example.com/webhook", calls[0].Get("url"))
	assert.Equal(t, "s3cret", calls[0].Get("secret_token"))
	assert.Equal(t, "true", calls[0].Get("drop_pending_updates"))

	require.NoError(t, c.DeleteWebhook())
	assert.Len(t, f.callsTo("deleteWebhook"), 1)
}

func TestSetWebhook_WithoutSecret(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	c := dialFake(t, srv)

	require.NoError(t, c.SetWebhook("https://bot.example.com/webhook", "", false))

	calls := f.callsTo("setWebhook")
	require.Len(t, calls, 1)
	_, hasSecret := calls[0]["secret_token"]
	assert.False(t, hasSecret)
}

func TestSetWebhook_Error(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handler = func(method string, form url.Values) (int, string) {
		return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: bad webhook: HTTPS url must be provided for webhook"}`
	}
	c := dialFake(t, srv)

	err := c.SetWebhook("http://insecure", "", false)
	assert.ErrorContains(t, err, "HTTPS url must be provided")
}

func TestPoll_DeliversAndStops(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	var served sync.Once
	f.handler = func(method string, form url.Values) (int, string) {
		if method != "getUpdates" {
			return http.StatusOK, `{"ok":true,"result":true}`
		}
		body := `{"ok":true,"result":[]}`
		served.Do(func() {
			body = `{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"date":1700000000,` +
				`"chat":{"id":7,"type":"private"},"from":{"id":9,"is_bot":false,"first_name":"A"},"text":"hello"}}]}`
		})
		time.Sleep(10 * time.Millisecond)
		return http.StatusOK, body
	}
	c := dialFake(t, srv)

	updates := c.Poll(1)
	select {
	case u := <-updates:
		assert.Equal(t, 10, u.UpdateID)
		assert.Equal(t, "hello", u.Message.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	c.StopPolling()
	c.StopPolling() // second call must not panic

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				calls := f.callsTo("getUpdates")
				require.NotEmpty(t, calls)
				assert.Equal(t, "1", calls[0].Get("timeout"))
				return
			}
		case <-deadline:
			t.Fatal("update stream not closed after StopPolling")
		}
	}
}

func TestEventFromUpdate(t *testing.T) {
	event := func(raw string) domain.InboundEvent {
		var u tgbotapi.Update
		require.NoError(t, json.Unmarshal([]byte(raw), &u))
		return EventFromUpdate(u, "relay_bot")
	}

	t.Run("text", func(t *testing.T) {
		ev := event(`{"update_id":1,"message":{"message_id":3,"date":1700000000,` +
			`"chat":{"id":7,"type":"private"},"from":{"id":9,"is_bot":false,"first_name":"A"},"text":"What is the leave policy?"}}`)
		assert.Equal(t, domain.KindText, ev.Kind)
		assert.Equal(t, int64(7), ev.ChatID)
		assert.Equal(t, int64(9), ev.SenderID)
		assert.Equal(t, 3, ev.MessageID)
		assert.Equal(t, "What is the leave policy?", ev.Text)
		assert.Equal(t, time.Unix(1700000000, 0), ev.ReceivedAt)
	})

	t.Run("command with bot suffix", func(t *testing.T) {
		ev := event(`{"update_id":2,"message":{"message_id":4,"date":1700000000,` +
			`"chat":{"id":-100,"type":"group"},"text":"/Status@Relay_Bot",` +
			`"entities":[{"type":"bot_command","offset":0,"length":17}]}}`)
		assert.Equal(t, domain.KindCommand, ev.Kind)
		assert.Equal(t, "status", ev.Command)
		assert.True(t, ev.IsCommand())
	})

	t.Run("command for another bot", func(t *testing.T) {
		ev := event(`{"update_id":7,"message":{"message_id":8,"date":1700000000,` +
			`"chat":{"id":-100,"type":"group"},"text":"/help@other_bot",` +
			`"entities":[{"type":"bot_command","offset":0,"length":15}]}}`)
		assert.Equal(t, domain.KindIgnored, ev.Kind)
		assert.Empty(t, ev.Command)
		assert.Equal(t, int64(-100), ev.ChatID)
	})

	t.Run("slash without command entity is text", func(t *testing.T) {
		ev := event(`{"update_id":3,"message":{"message_id":5,"date":1,` +
			`"chat":{"id":7,"type":"private"},"text":"/ not a command"}}`)
		assert.Equal(t, domain.KindText, ev.Kind)
	})

	t.Run("sticker", func(t *testing.T) {
		ev := event(`{"update_id":4,"message":{"message_id":6,"date":1,` +
			`"chat":{"id":7,"type":"private"},"sticker":{"file_id":"x","file_unique_id":"y","width":1,"height":1}}}`)
		assert.Equal(t, domain.KindIgnored, ev.Kind)
	})

	t.Run("edited message", func(t *testing.T) {
		ev := event(`{"update_id":5,"edited_message":{"message_id":6,"date":1,` +
			`"chat":{"id":7,"type":"private"},"text":"edited"}}`)
		assert.Equal(t, domain.KindIgnored, ev.Kind)
		assert.Equal(t, int64(7), ev.ChatID)
	})

	t.Run("callback without message", func(t *testing.T) {
		ev := event(`{"update_id":6,"callback_query":{"id":"q","from":{"id":9,"is_bot":false,"first_name":"A"},"data":"x"}}`)
		assert.Equal(t, domain.KindIgnored, ev.Kind)
	})
}

func TestEventFromUpdate_NoBotUsernameAcceptsAllCommands(t *testing.T) {
	var u tgbotapi.Update
	require.NoError(t, json.Unmarshal([]byte(`{"update_id":1,"message":{"message_id":1,"date":1,`+
		`"chat":{"id":-100,"type":"group"},"text":"/help@other_bot",`+
		`"entities":[{"type":"bot_command","offset":0,"length":15}]}}`), &u))

	ev := EventFromUpdate(u, "")
	assert.Equal(t, domain.KindCommand, ev.Kind)
	assert.Equal(t, "help", ev.Command)
}
