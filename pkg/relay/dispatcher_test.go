package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"teamsrelay/pkg/bus"
)

type delivery struct {
	chatID    string
	content   string
	requestID string
}

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []delivery
	err   error
	panic string
}

func (d *recordingDeliverer) Deliver(_ context.Context, chatID, content, requestID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panic != "" && content == d.panic {
		panic("deliverer exploded")
	}
	d.calls = append(d.calls, delivery{chatID: chatID, content: content, requestID: requestID})
	return d.err
}

func (d *recordingDeliverer) snapshot() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.calls...)
}

func outbound(channel, requestID, content string) bus.OutboundMessage {
	msg := bus.OutboundMessage{Channel: channel, ChatID: "c1", Content: content}
	if requestID != "" {
		msg.Metadata = map[string]string{bus.MetadataRequestID: requestID}
	}
	return msg
}

func TestDispatchFulfillsPendingRequest(t *testing.T) {
	reg := NewRegistry()
	notifier := &recordingDeliverer{}
	d := NewDispatcher(reg, bus.NewMessageBus(), notifier, DefaultChannel, 0)

	p, _ := reg.Register("req_1")
	if got := d.Dispatch(context.Background(), outbound("teams", "req_1", "answer")); got != OutcomeFulfilled {
		t.Fatalf("outcome = %q, want fulfilled", got)
	}
	if content := <-p.Done(); content != "answer" {
		t.Fatalf("content = %q, want answer", content)
	}
	if len(notifier.snapshot()) != 0 {
		t.Fatal("fulfilled reply must not be delivered out-of-band")
	}
}

func TestDispatchSkipsProgress(t *testing.T) {
	reg := NewRegistry()
	notifier := &recordingDeliverer{}
	d := NewDispatcher(reg, bus.NewMessageBus(), notifier, DefaultChannel, 0)

	p, _ := reg.Register("req_1")
	msg := outbound("teams", "req_1", "thinking...")
	msg.Metadata[bus.MetadataProgress] = "true"

	if got := d.Dispatch(context.Background(), msg); got != OutcomeProgress {
		t.Fatalf("outcome = %q, want progress", got)
	}
	if reg.Len() != 1 {
		t.Fatal("progress message must not resolve the pending entry")
	}
	select {
	case content := <-p.Done():
		t.Fatalf("slot received %q", content)
	default:
	}

	unmatched := outbound("teams", "", "progress without waiter")
	unmatched.Metadata = map[string]string{bus.MetadataProgress: "1"}
	d.Dispatch(context.Background(), unmatched)
	if len(notifier.snapshot()) != 0 {
		t.Fatal("progress message must never be delivered out-of-band")
	}
}

func TestDispatchRoutesUnmatchedTeamsReplyOutOfBand(t *testing.T) {
	notifier := &recordingDeliverer{}
	d := NewDispatcher(NewRegistry(), bus.NewMessageBus(), notifier, DefaultChannel, 0)

	if got := d.Dispatch(context.Background(), outbound("teams", "req_late", "late answer")); got != OutcomeProactive {
		t.Fatalf("outcome = %q, want proactive", got)
	}
	if got := d.Dispatch(context.Background(), outbound("teams", "", "scheduled")); got != OutcomeProactive {
		t.Fatalf("outcome = %q, want proactive", got)
	}

	calls := notifier.snapshot()
	want := []delivery{
		{chatID: "c1", content: "late answer", requestID: "req_late"},
		{chatID: "c1", content: "scheduled"},
	}
	if len(calls) != len(want) {
		t.Fatalf("deliveries = %+v, want %+v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("delivery[%d] = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestDispatchDropsOtherChannels(t *testing.T) {
	notifier := &recordingDeliverer{}
	d := NewDispatcher(NewRegistry(), bus.NewMessageBus(), notifier, DefaultChannel, 0)

	if got := d.Dispatch(context.Background(), outbound("system", "req_x", "heartbeat reply")); got != OutcomeDropped {
		t.Fatalf("outcome = %q, want dropped", got)
	}
	if len(notifier.snapshot()) != 0 {
		t.Fatal("non-teams reply must not be delivered")
	}
}

func TestDispatchReportsDeliveryFailure(t *testing.T) {
	notifier := &recordingDeliverer{err: errors.New("backend down")}
	d := NewDispatcher(NewRegistry(), bus.NewMessageBus(), notifier, DefaultChannel, 0)

	if got := d.Dispatch(context.Background(), outbound("teams", "", "x")); got != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", got)
	}
}

func TestDispatcherRunSurvivesPanics(t *testing.T) {
	reg := NewRegistry()
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	notifier := &recordingDeliverer{panic: "boom"}
	d := NewDispatcher(reg, mb, notifier, DefaultChannel, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	p, _ := reg.Register("req_after")
	mb.PublishOutbound(ctx, outbound("teams", "", "boom"))
	mb.PublishOutbound(ctx, outbound("teams", "req_after", "still alive"))

	select {
	case content := <-p.Done():
		if content != "still alive" {
			t.Fatalf("content = %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped after a panicking message")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestDispatcherRunObservesCancellationWithinPoll(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	d := NewDispatcher(NewRegistry(), mb, nil, DefaultChannel, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("dispatcher did not observe cancellation")
	}
}

func TestDispatcherRunReturnsWhenBusCloses(t *testing.T) {
	mb := bus.NewMessageBus()
	d := NewDispatcher(NewRegistry(), mb, nil, DefaultChannel, time.Second)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	mb.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error = %v, want nil on bus close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return after bus close")
	}
}
