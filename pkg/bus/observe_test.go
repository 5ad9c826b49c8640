package bus

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(_ string) slog.Handler { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *recordingHandler) lastLevel() slog.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return 0
	}
	return h.records[len(h.records)-1].Level
}

func TestLogEventLevels(t *testing.T) {
	recorder := &recordingHandler{}
	log := slog.New(recorder)

	tests := []struct {
		event EventType
		want  slog.Level
	}{
		{EventPromptReceived, slog.LevelInfo},
		{EventPromptCompleted, slog.LevelInfo},
		{EventReplyFulfilled, slog.LevelInfo},
		{EventReplyProactive, slog.LevelInfo},
		{EventReplyDropped, slog.LevelDebug},
		{EventPromptFailed, slog.LevelError},
		{EventType("future_event"), slog.LevelDebug},
	}
	for _, tt := range tests {
		LogEvent(log, Event{Type: tt.event, RequestID: "req_1"})
		if got := recorder.lastLevel(); got != tt.want {
			t.Fatalf("%s level = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestObserveEventsStopsOnCancel(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()
	recorder := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ObserveEvents(ctx, mb, slog.New(recorder))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() == 0 && time.Now().Before(deadline) {
		mb.PublishEvent(context.Background(), Event{Type: EventReplyFulfilled})
		time.Sleep(10 * time.Millisecond)
	}
	if recorder.count() == 0 {
		t.Fatal("expected observed event to be logged")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ObserveEvents did not return after cancel")
	}
}
