package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"teamsrelay/pkg/bus"
	"teamsrelay/pkg/logger"
)

const DefaultPollInterval = time.Second

// Consumer is the outbound half of the bus.
type Consumer interface {
	ConsumeOutbound(ctx context.Context) (bus.OutboundMessage, bool)
}

// Deliverer pushes a reply to the channel backend out-of-band.
type Deliverer interface {
	Deliver(ctx context.Context, chatID, content, requestID string) error
}

// Outcome records what the dispatcher did with one outbound message.
type Outcome string

const (
	OutcomeProgress  Outcome = "progress"
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeProactive Outcome = "proactive"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Dispatcher drains outbound messages and routes each one to its waiting
// caller or to the out-of-band deliverer.
type Dispatcher struct {
	registry *Registry
	bus      Consumer
	notifier Deliverer
	channel  string
	poll     time.Duration
	events   bus.EventPublisher
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, consumer Consumer, notifier Deliverer, channel string, poll time.Duration) *Dispatcher {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Dispatcher{
		registry: registry,
		bus:      consumer,
		notifier: notifier,
		channel:  channel,
		poll:     poll,
		log:      slog.Default().With("component", "relay.dispatcher"),
	}
}

// Run consumes until ctx is cancelled or the bus closes. Each poll is bounded
// so cancellation is noticed within one poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Debug("Outbound dispatcher started", "poll_interval", d.poll, "channel", d.channel)
	defer d.log.Debug("Outbound dispatcher stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pollCtx, cancel := context.WithTimeout(ctx, d.poll)
		msg, ok := d.bus.ConsumeOutbound(pollCtx)
		expired := pollCtx.Err() != nil
		cancel()

		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			if expired {
				continue
			}
			d.log.Warn("Outbound bus closed")
			return nil
		}

		d.Dispatch(ctx, msg)
	}
}

// Dispatch routes a single message. Panics are recovered so one bad message
// cannot stop the loop.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.OutboundMessage) (outcome Outcome) {
	requestID := msg.RequestID()
	ctx = logger.WithFields(ctx, logger.Fields{
		RequestID: requestID,
		ChatID:    msg.ChatID,
		Channel:   msg.Channel,
	})

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "Outbound dispatch panicked", "panic", fmt.Sprint(r))
			outcome = OutcomeFailed
		}
	}()

	if msg.IsProgress() {
		return OutcomeProgress
	}

	if requestID != "" && d.registry.Fulfill(requestID, msg.Content) {
		d.log.DebugContext(ctx, "Reply fulfilled pending request")
		d.publishEvent(ctx, bus.EventReplyFulfilled, msg)
		return OutcomeFulfilled
	}

	if msg.Channel == d.channel && d.notifier != nil {
		d.log.InfoContext(ctx, "Routing reply out-of-band")
		if err := d.notifier.Deliver(ctx, msg.ChatID, msg.Content, requestID); err != nil {
			return OutcomeFailed
		}
		d.publishEvent(ctx, bus.EventReplyProactive, msg)
		return OutcomeProactive
	}

	d.log.DebugContext(ctx, "Dropped outbound message without waiter")
	d.publishEvent(ctx, bus.EventReplyDropped, msg)
	return OutcomeDropped
}

func (d *Dispatcher) publishEvent(ctx context.Context, eventType bus.EventType, msg bus.OutboundMessage) {
	if d.events == nil {
		return
	}
	d.events.PublishEvent(ctx, bus.Event{
		Type:       eventType,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.SessionKey,
		RequestID:  msg.RequestID(),
		Error:      msg.Error,
	})
}
