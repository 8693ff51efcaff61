package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/ridecircle/groupride/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("realtime: bus closed")

// Bus carries change events between writers and watching processes.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	Close() error
}

// Subscription receives events for one session until closed. Events is
// closed when the subscription or its bus is closed.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

const defaultSubscriberQueue = 64

// MemoryBus delivers events within one process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	queue  int
	closed bool
}

// NewMemoryBus creates an in-process bus; queue bounds each subscriber buffer.
func NewMemoryBus(queue int) *MemoryBus {
	if queue <= 0 {
		queue = defaultSubscriberQueue
	}
	return &MemoryBus{
		subs:  make(map[string]map[*memorySubscription]struct{}),
		queue: queue,
	}
}

// Publish hands ev to every subscriber of its session without blocking.
// A subscriber whose buffer is full misses the event.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues("memory").Inc()
			log.WithFields(log.Fields{"session_id": ev.SessionID, "kind": ev.Kind}).Warn("realtime: subscriber queue full, event dropped")
		}
	}
	return nil
}

// Subscribe registers a subscriber for sessionID.
func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &memorySubscription{bus: b, sessionID: sessionID, ch: make(chan Event, b.queue)}
	set := b.subs[sessionID]
	if set == nil {
		set = make(map[*memorySubscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Sessions returns the session IDs with at least one subscriber.
func (b *MemoryBus) Sessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for sessionID := range b.subs {
		out = append(out, sessionID)
	}
	return out
}

// Close ends every subscription. It is safe to call more than once.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sessionID, set := range b.subs {
		for sub := range set {
			sub.closeLocked()
		}
		delete(b.subs, sessionID)
	}
	return nil
}

type memorySubscription struct {
	bus       *MemoryBus
	sessionID string
	ch        chan Event
	closed    bool
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set := s.bus.subs[s.sessionID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.sessionID)
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked requires bus.mu held for writing.
func (s *memorySubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
