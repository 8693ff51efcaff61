package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ridecircle/groupride/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// RedisBus relays events through redis pub/sub, one channel per session.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	queue  int
	owned  bool

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus wraps client. When owned is true Close also closes the client.
func NewRedisBus(client redis.UniversalClient, prefix string, queue int, owned bool) *RedisBus {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "groupride"
	}
	if queue <= 0 {
		queue = defaultSubscriberQueue
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		queue:  queue,
		owned:  owned,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Channel returns the redis channel carrying events for sessionID.
func (b *RedisBus) Channel(sessionID string) string {
	return b.prefix + ":session:" + sessionID
}

// Publish sends ev on the session channel.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	payload, errEncode := encodeEvent(ev)
	if errEncode != nil {
		return errEncode
	}
	if errPublish := b.client.Publish(ctx, b.Channel(ev.SessionID), payload).Err(); errPublish != nil {
		return fmt.Errorf("realtime: redis publish: %w", errPublish)
	}
	return nil
}

// Subscribe listens on the session channel until the subscription is closed.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.Channel(sessionID))
	if _, errReceive := pubsub.Receive(ctx); errReceive != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: redis subscribe: %w", errReceive)
	}
	sub := &redisSubscription{
		bus:    b,
		pubsub: pubsub,
		out:    make(chan Event, b.queue),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(pubsub.Channel(redis.WithChannelSize(b.queue)))
	return sub, nil
}

// Close ends every subscription and, when owned, the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*redisSubscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.shutdown()
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.out }

func (s *redisSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.shutdown()
}

func (s *redisSubscription) shutdown() error {
	var errClose error
	s.once.Do(func() {
		errClose = s.pubsub.Close()
		<-s.done
	})
	return errClose
}

func (s *redisSubscription) run(messages <-chan *redis.Message) {
	defer close(s.done)
	defer close(s.out)
	for msg := range messages {
		ev, errDecode := decodeEvent(msg.Payload)
		if errDecode != nil {
			log.WithError(errDecode).WithField("channel", msg.Channel).Warn("realtime: skip redis message")
			continue
		}
		select {
		case s.out <- ev:
		default:
			metrics.EventsDropped.WithLabelValues("redis").Inc()
			log.WithField("session_id", ev.SessionID).Warn("realtime: redis subscriber queue full, event dropped")
		}
	}
}
