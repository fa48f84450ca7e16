package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannelPrefix = "feed:"
	eventBuffer          = 256
	retryDelay           = 250 * time.Millisecond
)

// RedisSource delivers change events published on one pub/sub channel per
// table ({prefix}{table}). Filtering happens in the Hub.
type RedisSource struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisSource(client *redis.Client, prefix string, logger *slog.Logger) *RedisSource {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{client: client, prefix: prefix, logger: logger}
}

func (s *RedisSource) Channel(table string) string {
	return fmt.Sprintf("%s%s", s.prefix, table)
}

// Publish sends ev on its table channel.
func (s *RedisSource) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ev.Validate(ev.Table); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(ev.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

func (s *RedisSource) Subscribe(ctx context.Context, table string, _ Filter) (Subscription, error) {
	channel := s.Channel(table)
	ps := s.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:         ps,
		events:     make(chan []byte, eventBuffer),
		reconnects: make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     s.logger.With("channel", channel),
	}
	go sub.loop(runCtx)
	return sub, nil
}

type redisSubscription struct {
	ps         *redis.PubSub
	events     chan []byte
	reconnects chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
	logger     *slog.Logger
}

func (s *redisSubscription) Events() <-chan []byte       { return s.events }
func (s *redisSubscription) Reconnects() <-chan struct{} { return s.reconnects }

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.ps.Close()
		<-s.done
	})
	return s.closeErr
}

// loop reads the pub/sub connection. go-redis reconnects and resubscribes on
// its own; a fresh subscribe confirmation after the first one means the
// connection was re-established.
func (s *redisSubscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	failed := false
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if !failed {
				s.logger.Warn("pubsub receive failed", "error", err)
			}
			failed = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				failed = false
				s.signalReconnect()
			}
		case *redis.Message:
			if failed {
				failed = false
				s.signalReconnect()
			}
			select {
			case s.events <- []byte(m.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSubscription) signalReconnect() {
	s.logger.Info("pubsub resubscribed")
	select {
	case s.reconnects <- struct{}{}:
	default:
	}
}
