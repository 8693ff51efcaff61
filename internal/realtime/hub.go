package realtime

import (
	"context"
	"sync"

	"github.com/ridecircle/groupride/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Hub multiplexes one bus subscription per session across local watchers.
// The hub lock guards only the feed map. Subscribing and fan-out happen
// under the feed's own lock or none, so sessions never wait on each other.
type Hub struct {
	bus Bus

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed is one session's subscription. ready is closed once the bus
// subscription is open (sub set) or has failed (err set).
type feed struct {
	sessionID string
	ready     chan struct{}
	sub       Subscription
	err       error

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

// watcher is poked through a one-slot signal so a slow reader only ever
// has one reload pending and never stalls the feed.
type watcher struct {
	mask   KindMask
	signal chan struct{}
	gone   chan struct{}
}

// NewHub creates a hub reading from bus.
func NewHub(bus Bus) *Hub {
	return &Hub{bus: bus, feeds: make(map[string]*feed)}
}

// watch registers interest in mask for sessionID. The returned release
// function must be called exactly once.
func (h *Hub) watch(ctx context.Context, sessionID string, mask KindMask) (*watcher, func(), error) {
	w := &watcher{
		mask:   mask,
		signal: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}

	h.mu.Lock()
	f := h.feeds[sessionID]
	owner := f == nil
	if owner {
		f = &feed{
			sessionID: sessionID,
			ready:     make(chan struct{}),
			watchers:  make(map[*watcher]struct{}),
		}
		h.feeds[sessionID] = f
		metrics.SessionFeeds.Inc()
	}
	f.mu.Lock()
	f.watchers[w] = struct{}{}
	f.mu.Unlock()
	h.mu.Unlock()

	release := func() { h.release(f, w) }

	if owner {
		sub, errSubscribe := h.bus.Subscribe(ctx, sessionID)
		if errSubscribe != nil {
			h.drop(f)
			f.err = errSubscribe
			close(f.ready)
			return nil, nil, errSubscribe
		}
		f.sub = sub
		close(f.ready)
		go h.run(f)
		return w, release, nil
	}

	select {
	case <-f.ready:
	case <-ctx.Done():
		release()
		return nil, nil, ctx.Err()
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return w, release, nil
}

// release detaches w. The last watcher out closes the feed's subscription.
func (h *Hub) release(f *feed, w *watcher) {
	h.mu.Lock()
	f.mu.Lock()
	if _, ok := f.watchers[w]; !ok {
		f.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(f.watchers, w)
	empty := len(f.watchers) == 0
	f.mu.Unlock()
	owned := empty && h.feeds[f.sessionID] == f
	if owned {
		delete(h.feeds, f.sessionID)
		metrics.SessionFeeds.Dec()
	}
	h.mu.Unlock()
	if !owned {
		return
	}

	select {
	case <-f.ready:
		closeFeed(f)
	default:
		// Still subscribing; close once the bus answers.
		go func() {
			<-f.ready
			closeFeed(f)
		}()
	}
}

// drop removes f from the feed map if it is still the current feed.
func (h *Hub) drop(f *feed) {
	h.mu.Lock()
	if h.feeds[f.sessionID] == f {
		delete(h.feeds, f.sessionID)
		metrics.SessionFeeds.Dec()
	}
	h.mu.Unlock()
}

func closeFeed(f *feed) {
	if f.sub == nil {
		return
	}
	if errClose := f.sub.Close(); errClose != nil {
		log.WithError(errClose).WithField("session_id", f.sessionID).Debug("realtime: close subscription")
	}
}

func (h *Hub) run(f *feed) {
	for ev := range f.sub.Events() {
		f.mu.Lock()
		for w := range f.watchers {
			if !w.mask.Has(ev.Kind) {
				continue
			}
			select {
			case w.signal <- struct{}{}:
			default:
			}
		}
		f.mu.Unlock()
	}

	// The subscription ended. Watchers still attached lost their source.
	h.drop(f)
	f.mu.Lock()
	for w := range f.watchers {
		close(w.gone)
		delete(f.watchers, w)
	}
	f.mu.Unlock()
}

// Feeds returns the number of sessions with an open bus subscription.
func (h *Hub) Feeds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}
