package bus

import (
	"context"
	"log/slog"
	"time"
)

// ObserveEvents logs every event published on mb until ctx is done or the
// bus closes. Slow logging drops events in the bus, never blocks publishers.
func ObserveEvents(ctx context.Context, mb *MessageBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")
	events, unsubscribe := mb.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			LogEvent(log, event)
		}
	}
}

// LogEvent writes one event with a stable attribute set. Failures and drops
// log at error/warn, lifecycle milestones at info, anything else at debug.
func LogEvent(log *slog.Logger, event Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"chat_id", event.ChatID,
		"session_key", event.SessionKey,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case EventPromptFailed:
		log.Error("bus event", append(attrs, "error", event.Error)...)
	case EventPromptReceived, EventPromptCompleted, EventRequestAccepted, EventReplyFulfilled, EventReplyProactive:
		log.Info("bus event", attrs...)
	default:
		log.Debug("bus event", attrs...)
	}
}
