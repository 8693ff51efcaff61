package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/ridecircle/groupride/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	defaultDispatchBuffer = 1024
	publishTimeout        = 5 * time.Second
)

// Notifier accepts change notifications from writers.
type Notifier interface {
	Notify(sessionID string, kinds ...Kind)
}

// Dispatcher queues notifications and publishes them on a bus. Each
// session with pending events gets its own drain goroutine, so a slow
// publish only delays its own session. Duplicate pending events collapse
// into one.
type Dispatcher struct {
	bus Bus

	mu      sync.Mutex
	queues  map[string]*sessionQueue
	stopped bool

	wg sync.WaitGroup
}

// sessionQueue holds one session's pending kinds in arrival order.
type sessionQueue struct {
	pending map[Kind]struct{}
	order   []Kind
}

// NewDispatcher creates a dispatcher publishing to bus. buffer sizes the
// initial session table.
func NewDispatcher(bus Bus, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultDispatchBuffer
	}
	return &Dispatcher{
		bus:    bus,
		queues: make(map[string]*sessionQueue, buffer),
	}
}

// Notify enqueues one event per kind. It never blocks on delivery.
func (d *Dispatcher) Notify(sessionID string, kinds ...Kind) {
	if d == nil || sessionID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	q, running := d.queues[sessionID]
	if !running {
		q = &sessionQueue{pending: make(map[Kind]struct{}, len(AllKinds))}
		d.queues[sessionID] = q
	}
	for _, kind := range kinds {
		if _, exists := q.pending[kind]; exists {
			metrics.EventsCoalesced.Inc()
			continue
		}
		q.pending[kind] = struct{}{}
		q.order = append(q.order, kind)
	}
	if !running {
		d.wg.Add(1)
		go d.drain(sessionID, q)
	}
}

// Close publishes what is already queued and waits for every drain to
// finish. Later notifications are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}

// drain publishes q until it is empty, then retires it.
func (d *Dispatcher) drain(sessionID string, q *sessionQueue) {
	defer d.wg.Done()
	for {
		batch := d.take(sessionID, q)
		if len(batch) == 0 {
			return
		}
		for _, kind := range batch {
			d.publish(Event{SessionID: sessionID, Kind: kind})
		}
	}
}

// take hands back the pending kinds. An empty result means the queue was
// removed and the drain must exit.
func (d *Dispatcher) take(sessionID string, q *sessionQueue) []Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(q.order) == 0 {
		delete(d.queues, sessionID)
		return nil
	}
	out := q.order
	q.order = make([]Kind, 0, len(out))
	clear(q.pending)
	return out
}

func (d *Dispatcher) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if errPublish := d.bus.Publish(ctx, ev); errPublish != nil {
		metrics.EventsDropped.WithLabelValues("publish").Inc()
		log.WithError(errPublish).WithFields(log.Fields{"session_id": ev.SessionID, "kind": ev.Kind}).Warn("realtime: publish failed")
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
}
