// Package redisbus carries bus traffic over Redis streams so the relay and
// the agent loop can run as separate processes.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"teamsrelay/pkg/bus"
)

const (
	defaultPrefix = "teamsrelay"
	defaultGroup  = "teamsrelay"
	defaultBlock  = 5 * time.Second
	defaultMaxLen = 10000
	retryDelay    = 250 * time.Millisecond
	payloadField  = "payload"
)

type Config struct {
	Prefix   string
	Group    string
	Consumer string
	// Block caps a single XREADGROUP call; the caller's deadline shortens it.
	Block  time.Duration
	MaxLen int64
}

type Bus struct {
	client     *redis.Client
	ownsClient bool
	cfg        Config
	log        *slog.Logger

	inboundStream  string
	outboundStream string

	done      chan struct{}
	closeOnce sync.Once
}

var _ bus.Bus = (*Bus)(nil)

// Open connects to url and prepares the consumer groups. The returned bus
// owns the client and closes it on Close.
func Open(ctx context.Context, url string, cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	b, err := New(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

func New(ctx context.Context, client *redis.Client, cfg Config) (*Bus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg = withDefaults(cfg)

	b := &Bus{
		client:         client,
		cfg:            cfg,
		log:            slog.Default().With("component", "bus.redis"),
		inboundStream:  cfg.Prefix + ":inbound",
		outboundStream: cfg.Prefix + ":outbound",
		done:           make(chan struct{}),
	}

	for _, stream := range []string{b.inboundStream, b.outboundStream} {
		if err := b.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func withDefaults(cfg Config) Config {
	cfg.Prefix = strings.TrimSpace(cfg.Prefix)
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	cfg.Group = strings.TrimSpace(cfg.Group)
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	cfg.Consumer = strings.TrimSpace(cfg.Consumer)
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultMaxLen
	}
	return cfg
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	// "$" skips history: a restarted relay has no waiters for old turns.
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", b.cfg.Group, stream, err)
	}
	return nil
}

func (b *Bus) PublishInbound(ctx context.Context, msg bus.InboundMessage) bool {
	return b.publish(ctx, b.inboundStream, msg)
}

func (b *Bus) ConsumeInbound(ctx context.Context) (bus.InboundMessage, bool) {
	var msg bus.InboundMessage
	ok := b.consume(ctx, b.inboundStream, &msg)
	return msg, ok
}

func (b *Bus) PublishOutbound(ctx context.Context, msg bus.OutboundMessage) bool {
	return b.publish(ctx, b.outboundStream, msg)
}

func (b *Bus) ConsumeOutbound(ctx context.Context) (bus.OutboundMessage, bool) {
	var msg bus.OutboundMessage
	ok := b.consume(ctx, b.outboundStream, &msg)
	return msg, ok
}

func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.ownsClient {
			if err := b.client.Close(); err != nil {
				b.log.Warn("Closing redis client failed", "error", err)
			}
		}
	})
}

func (b *Bus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bus) publish(ctx context.Context, stream string, msg any) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed() || ctx.Err() != nil {
		return false
	}

	values, err := encode(msg)
	if err != nil {
		b.log.Error("Encoding bus message failed", "stream", stream, "error", err)
		return false
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		b.log.Error("Publishing bus message failed", "stream", stream, "error", err)
		return false
	}
	return true
}

func (b *Bus) consume(ctx context.Context, stream string, out any) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if b.closed() || ctx.Err() != nil {
			return false
		}

		block := b.cfg.Block
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			if remaining < block {
				block = remaining
			}
		}
		if block < time.Millisecond {
			block = time.Millisecond
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if b.closed() || ctx.Err() != nil {
				return false
			}
			b.log.Warn("Reading bus stream failed", "stream", stream, "error", err)
			if !b.sleep(ctx, retryDelay) {
				return false
			}
			continue
		}

		for _, s := range streams {
			for _, raw := range s.Messages {
				// At-most-once: ack before decoding so a poison message is not redelivered.
				if err := b.client.XAck(ctx, stream, b.cfg.Group, raw.ID).Err(); err != nil {
					b.log.Warn("Acknowledging bus message failed", "stream", stream, "id", raw.ID, "error", err)
				}
				if err := decode(raw.Values, out); err != nil {
					b.log.Error("Decoding bus message failed", "stream", stream, "id", raw.ID, "error", err)
					continue
				}
				return true
			}
		}
	}
}

func (b *Bus) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	case <-timer.C:
		return true
	}
}

func encode(msg any) (map[string]any, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return map[string]any{payloadField: string(payload)}, nil
}

func decode(values map[string]any, out any) error {
	raw, ok := values[payloadField]
	if !ok {
		return fmt.Errorf("missing %q field", payloadField)
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unexpected %q field type %T", payloadField, raw)
	}

	return json.Unmarshal(data, out)
}
