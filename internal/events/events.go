// Package events delivers catalog change notifications to downstream
// consumers such as launcher update servers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
)

// DefaultChannel is used when a redis sink has no channel configured.
const DefaultChannel = "cdist:events"

const publishTimeout = 5 * time.Second

// DefaultQueueSize bounds the events a RedisSink holds for publishing.
const DefaultQueueSize = 1024

// drainTimeout bounds how long closing a redis sink waits for queued events.
const drainTimeout = 10 * time.Second

// envelope is the wire form of an event: the event name plus its payload.
type envelope struct {
	Event   string      `json:"event"`
	Payload cdist.Event `json:"payload"`
}

func encode(name string, event cdist.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Event: name, Payload: event})
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// LogSink writes every event to the logger. It is the default sink.
type LogSink struct {
	logger cdist.Logger
}

var _ cdist.EventSink = (*LogSink)(nil)

func NewLogSink(logger cdist.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, name string, event cdist.Event) {
	data, err := encode(name, event)
	if err != nil {
		s.logger.Warn("dropping event", "event", name, "error", err)
		return
	}
	s.logger.Info("event", "event", name, "action", event.Action, "version", event.Version,
		"files", len(event.Files), "payload", string(data))
}

// Publisher is the subset of the redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes events as JSON on a redis pub/sub channel. Notify
// only queues; one goroutine publishes in order. Events arriving while the
// queue is full are dropped with a warning, as are delivery errors.
type RedisSink struct {
	pub     Publisher
	channel string
	logger  cdist.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}

	// base parents every publish; Close cancels it once the drain deadline passes.
	base   context.Context
	cancel context.CancelFunc
}

type queuedEvent struct {
	name string
	data []byte
}

var _ cdist.EventSink = (*RedisSink)(nil)

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithQueueSize sets how many events may wait for publishing.
func WithQueueSize(n int) RedisOption {
	return func(s *RedisSink) {
		if n > 0 {
			s.queue = make(chan queuedEvent, n)
		}
	}
}

func NewRedisSink(pub Publisher, channel string, logger cdist.Logger, opts ...RedisOption) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	s := &RedisSink{
		pub:     pub,
		channel: channel,
		logger:  logger,
		queue:   make(chan queuedEvent, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	go s.run()
	return s
}

// Notify queues the event and returns at once. The caller's context is not
// used: an event for a change already in the catalog outlives the caller.
func (s *RedisSink) Notify(_ context.Context, name string, event cdist.Event) {
	data, err := encode(name, event)
	if err != nil {
		s.logger.Warn("dropping event", "event", name, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("dropping event, sink closed", "event", name)
		return
	}
	select {
	case s.queue <- queuedEvent{name: name, data: data}:
	default:
		s.logger.Warn("dropping event, publish queue full", "event", name, "channel", s.channel)
	}
}

func (s *RedisSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.publish(ev)
	}
}

func (s *RedisSink) publish(ev queuedEvent) {
	if s.base.Err() != nil {
		s.logger.Warn("dropping event, sink closed before delivery", "event", ev.name)
		return
	}
	ctx, cancel := context.WithTimeout(s.base, publishTimeout)
	defer cancel()

	receivers, err := s.pub.Publish(ctx, s.channel, ev.data).Result()
	if err != nil {
		s.logger.Warn("publishing event failed", "event", ev.name, "channel", s.channel, "error", err)
		return
	}
	s.logger.Debug("published event", "event", ev.name, "channel", s.channel, "receivers", receivers)
}

// Close stops accepting events and waits up to drain for queued ones to be
// published. Whatever is left after that is dropped. Close is idempotent.
func (s *RedisSink) Close(drain time.Duration) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.cancel()
		<-s.done
	}
	s.cancel()
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []cdist.EventSink

var _ cdist.EventSink = MultiSink(nil)

func (m MultiSink) Notify(ctx context.Context, name string, event cdist.Event) {
	for _, s := range m {
		s.Notify(ctx, name, event)
	}
}

// NewSinkFromConfig builds the configured sink. The returned close function
// releases any connection the sink holds. The redis sink also logs each
// event locally.
func NewSinkFromConfig(ctx context.Context, cfg config.EventsConfig, logger cdist.Logger) (cdist.EventSink, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case "log", "":
		return NewLogSink(logger), noop, nil
	case "none":
		return cdist.NopSink{}, noop, nil
	case "redis":
		if cfg.Addr == "" {
			return nil, nil, fmt.Errorf("redis events require addr to be set")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
		}
		redisSink := NewRedisSink(client, cfg.Channel, logger)
		closeFn := func() error {
			redisSink.Close(drainTimeout)
			return client.Close()
		}
		return MultiSink{NewLogSink(logger), redisSink}, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown events type: %q", cfg.Type)
	}
}
