package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/backend"
	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/format"
)

type harness struct {
	messenger *fakeMessenger
	backend   *fakeBackend
	bus       *bus.EventBus
	router    *Router
	events    []*bus.CycleCompleted
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{},
		backend:   &fakeBackend{healthy: true},
		bus:       bus.NewEventBus(testLogger()),
		router:    NewRouter(testLogger()),
	}
	h.bus.On(bus.EventCycleCompleted, func(e bus.Event) {
		h.events = append(h.events, e.Payload.(*bus.CycleCompleted))
	})
	cfg := Config{
		Backend:   h.backend,
		Messenger: h.messenger,
		Bus:       h.bus,
		NewID:     func() string { return "corr-1" },
		Logger:    testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	New(cfg).Register(h.router)
	return h
}

func textEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{ChatID: 7, MessageID: 1, SenderID: 9, Text: text, Kind: domain.KindText, ReceivedAt: time.Now()}
}

func commandEvent(name string) domain.InboundEvent {
	return domain.InboundEvent{ChatID: 7, MessageID: 1, Text: "/" + name, Kind: domain.KindCommand, Command: name}
}

func TestRelay_TextAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.result = domain.BackendResult{Answer: "Leave is 21 days.", ProcessingTime: 1.234}

	res := h.router.Dispatch(context.Background(), textEvent("How many leave days?"))

	assert.Equal(t, domain.OutcomeAnswered, res.Outcome)
	assert.Equal(t, StateAnswered, res.State)
	assert.Equal(t, []State{StateReceived, StateTypingSent, StateNoticeSent, StateAnswered, StateDone}, res.Trace)
	assert.Equal(t, 1, res.Chunks)
	assert.NoError(t, res.Err)
	assert.Equal(t, "corr-1", res.CorrelationID)

	ops := h.messenger.recorded()
	require.Len(t, ops, 4)
	assert.Equal(t, "typing", ops[0].Op)
	assert.Equal(t, sentMessage{Op: "send", ChatID: 7, MessageID: 101, Text: format.Processing()}, ops[1])
	assert.Equal(t, sentMessage{Op: "delete", ChatID: 7, MessageID: 101}, ops[2])
	assert.Equal(t, "Leave is 21 days.\n\n------\nالوقت: 1.23 ثانية", ops[3].Text)

	assert.Equal(t, []string{"How many leave days?"}, h.backend.queries)
}

func TestRelay_LongAnswerChunkedInOrder(t *testing.T) {
	h := newHarness(t, nil)
	answer := strings.Repeat("a", 4000) + strings.Repeat("b", 4000) + strings.Repeat("c", 1000)
	h.backend.result = domain.BackendResult{Answer: answer, ProcessingTime: 3}

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	want := format.FormatAnswer(h.backend.result, format.DefaultLimit)
	require.Len(t, want, 3)
	assert.Equal(t, 3, res.Chunks)

	texts := h.messenger.texts()
	require.Len(t, texts, 4) // notice + 3 chunks
	assert.Equal(t, want, texts[1:])
	assert.Equal(t, answer+"\n\n------\nالوقت: 3.00 ثانية", strings.Join(texts[1:], ""))
}

func TestRelay_CustomChunkLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxMessageRunes = 100 })
	h.backend.result = domain.BackendResult{Answer: strings.Repeat("x", 250)}

	res := h.router.Dispatch(context.Background(), textEvent("q"))
	assert.Equal(t, 3, res.Chunks)
}

func TestRelay_BackendError(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.err = errors.Join(backend.ErrBackendUnavailable, context.DeadlineExceeded)

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	assert.Equal(t, domain.OutcomeErrored, res.Outcome)
	assert.Equal(t, []State{StateReceived, StateTypingSent, StateNoticeSent, StateErrored, StateDone}, res.Trace)
	assert.ErrorIs(t, res.Err, backend.ErrBackendUnavailable)

	ops := h.messenger.recorded()
	require.Len(t, ops, 4)
	assert.Equal(t, "delete", ops[2].Op)
	assert.Equal(t, format.FormatError(), ops[3].Text)
	assert.Equal(t, 1, h.messenger.count("delete"))
}

func TestRelay_NoticeFailureAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.failSend = func(text string, n int) bool { return n == 1 }

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	assert.Equal(t, domain.OutcomeAborted, res.Outcome)
	assert.Equal(t, StateAborted, res.State)
	assert.Error(t, res.Err)
	assert.Zero(t, h.backend.queryCount(), "backend must not be queried without a notice")
	assert.Zero(t, h.messenger.count("delete"))
}

func TestRelay_TypingFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.failType = true
	h.backend.result = domain.BackendResult{Answer: "ok"}

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	assert.Equal(t, domain.OutcomeAnswered, res.Outcome)
	assert.Equal(t, []State{StateReceived, StateNoticeSent, StateAnswered, StateDone}, res.Trace)
}

func TestRelay_DeleteFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.failDel = true
	h.backend.result = domain.BackendResult{Answer: "ok"}

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	assert.Equal(t, domain.OutcomeAnswered, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Chunks)
}

func TestRelay_ChunkFailureStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.result = domain.BackendResult{Answer: strings.Repeat("a", 9000)}
	// Send #1 is the notice, #2 the first chunk, #3 fails.
	h.messenger.failSend = func(text string, n int) bool { return n == 3 }

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	assert.Equal(t, domain.OutcomeDeliveryFailed, res.Outcome)
	assert.Equal(t, 1, res.Chunks)
	assert.ErrorContains(t, res.Err, "send answer chunk 2/3")
	assert.Len(t, h.messenger.texts(), 2, "third chunk must not be sent after the second failed")
}

func TestRelay_PanicDeletesNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.panicOn = true

	res := h.router.Dispatch(context.Background(), textEvent("q"))

	assert.Equal(t, domain.OutcomePanicked, res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, h.messenger.count("delete"), "notice must be deleted exactly once")
	require.Len(t, h.events, 1)
	assert.Equal(t, domain.OutcomePanicked, h.events[0].Outcome)
}

func TestRelay_DeleteUsesUncancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.backend.queryFn = func(context.Context, string) (domain.BackendResult, error) {
		cancel()
		return domain.BackendResult{}, context.Canceled
	}

	res := h.router.Dispatch(ctx, textEvent("q"))

	assert.Equal(t, domain.OutcomeErrored, res.Outcome)
	assert.Equal(t, 1, h.messenger.count("delete"))
}

func TestRelay_Throttled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Limiter = NewChatLimiter(1, 1) })
	h.backend.result = domain.BackendResult{Answer: "ok"}

	first := h.router.Dispatch(context.Background(), textEvent("q1"))
	second := h.router.Dispatch(context.Background(), textEvent("q2"))

	assert.Equal(t, domain.OutcomeAnswered, first.Outcome)
	assert.Equal(t, domain.OutcomeThrottled, second.Outcome)
	assert.Equal(t, []State{StateReceived, StateThrottled, StateDone}, second.Trace)
	assert.Equal(t, 1, h.backend.queryCount())

	texts := h.messenger.texts()
	assert.Equal(t, format.RateLimited(), texts[len(texts)-1])
}

func TestRelay_Commands(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"start", format.Welcome()},
		{"help", format.Help()},
		{"HELP", format.Help()},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			h := newHarness(t, nil)
			res := h.router.Dispatch(context.Background(), commandEvent(tt.command))

			assert.Equal(t, domain.OutcomeReplied, res.Outcome)
			assert.Equal(t, []string{tt.want}, h.messenger.texts())
			assert.Zero(t, h.messenger.count("typing"), "commands never show typing")
			assert.Zero(t, h.backend.queryCount())
		})
	}
}

func TestRelay_StatusCommand(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		report  domain.StatusReport
		infoErr error
		want    string
	}{
		{
			name: "unreachable",
			want: format.FormatStatus(domain.StatusReport{}),
		},
		{
			name:    "no document",
			healthy: true,
			report:  domain.StatusReport{Operational: true},
			want:    format.FormatStatus(domain.StatusReport{Operational: true}),
		},
		{
			name:    "document",
			healthy: true,
			report:  domain.StatusReport{Operational: true, HasDocument: true, DocumentTitle: "HR Policy", ChunkCount: 42},
			want:    format.FormatStatus(domain.StatusReport{Operational: true, HasDocument: true, DocumentTitle: "HR Policy", ChunkCount: 42}),
		},
		{
			name:    "document info fails",
			healthy: true,
			infoErr: backend.ErrBackendUnavailable,
			want:    format.FormatStatus(domain.StatusReport{}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.backend.healthy = tt.healthy
			h.backend.report = tt.report
			h.backend.infoErr = tt.infoErr

			res := h.router.Dispatch(context.Background(), commandEvent("status"))

			assert.Equal(t, domain.OutcomeReplied, res.Outcome)
			assert.Equal(t, []string{tt.want}, h.messenger.texts())
		})
	}
}

func TestRelay_CommandSendFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.failSend = func(string, int) bool { return true }

	res := h.router.Dispatch(context.Background(), commandEvent("start"))

	assert.Equal(t, domain.OutcomeDeliveryFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestRelay_UnknownCommandIgnored(t *testing.T) {
	h := newHarness(t, nil)

	res := h.router.Dispatch(context.Background(), commandEvent("settings"))

	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)
	assert.Empty(t, h.messenger.recorded())
	assert.Empty(t, h.events, "ignored events are not relay cycles")
}

func TestRelay_NonTextIgnored(t *testing.T) {
	h := newHarness(t, nil)

	res := h.router.Dispatch(context.Background(), domain.InboundEvent{ChatID: 7, Kind: domain.KindIgnored})

	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)
	assert.Empty(t, h.messenger.recorded())
}

func TestRelay_EmitsCycleCompleted(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.result = domain.BackendResult{Answer: "ok"}

	h.router.Dispatch(context.Background(), textEvent("q"))

	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, int64(7), ev.ChatID)
	assert.Equal(t, "text", ev.Kind)
	assert.Equal(t, domain.OutcomeAnswered, ev.Outcome)
	assert.Equal(t, 1, ev.Chunks)
}

func TestRelay_DefaultCorrelationIDIsUUID(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NewID = nil })
	res := h.router.Dispatch(context.Background(), commandEvent("help"))
	assert.Len(t, res.CorrelationID, 36)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "notice_sent", StateNoticeSent.String())
	assert.Equal(t, "state(99)", State(99).String())
}
