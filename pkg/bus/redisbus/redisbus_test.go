package redisbus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamsrelay/pkg/bus"
)

func TestEncodeDecodeOutbound(t *testing.T) {
	in := bus.OutboundMessage{
		Channel:  "teams",
		ChatID:   "conv-1",
		Content:  "done",
		Metadata: map[string]string{bus.MetadataRequestID: "req_abc"},
	}

	values, err := encode(in)
	require.NoError(t, err)

	var out bus.OutboundMessage
	require.NoError(t, decode(values, &out))
	require.Equal(t, in, out)
}

func TestDecodeAcceptsBytes(t *testing.T) {
	var out bus.InboundMessage
	err := decode(map[string]any{payloadField: []byte(`{"chat_id":"c1","content":"hi"}`)}, &out)
	require.NoError(t, err)
	require.Equal(t, "c1", out.ChatID)
	require.Equal(t, "hi", out.Content)
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	var out bus.InboundMessage
	require.Error(t, decode(map[string]any{"other": "x"}, &out))
	require.Error(t, decode(map[string]any{payloadField: 42}, &out))
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(Config{})
	require.Equal(t, defaultPrefix, cfg.Prefix)
	require.Equal(t, defaultGroup, cfg.Group)
	require.NotEmpty(t, cfg.Consumer)
	require.Equal(t, defaultBlock, cfg.Block)
	require.EqualValues(t, defaultMaxLen, cfg.MaxLen)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not a url", Config{})
	require.Error(t, err)
}

func TestRoundTripAgainstRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := Open(ctx, url, Config{Prefix: fmt.Sprintf("teamsrelay-test-%d", time.Now().UnixNano())})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.client.Del(context.Background(), b.inboundStream, b.outboundStream).Err()
		b.Close()
	})

	require.True(t, b.PublishInbound(ctx, bus.InboundMessage{Channel: "teams", ChatID: "c1", Content: "ping"}))
	in, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	require.Equal(t, "ping", in.Content)

	pollCtx, pollCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, ok = b.ConsumeOutbound(pollCtx)
	pollCancel()
	require.False(t, ok, "empty outbound stream should time out")

	require.True(t, b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "teams", ChatID: "c1", Content: "pong"}))
	out, ok := b.ConsumeOutbound(ctx)
	require.True(t, ok)
	require.Equal(t, "pong", out.Content)
}
