package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

type recordingBus struct {
	mu      sync.Mutex
	events  []Event
	entered chan struct{}
	release chan struct{}
}

func (b *recordingBus) Publish(ctx context.Context, ev Event) error {
	if b.entered != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
	}
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	return nil, ErrBusClosed
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

func receive[T any](t *testing.T, s *Stream[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for emission")
	}
	var zero T
	return zero
}

func expectClosed[T any](t *testing.T, s *Stream[T]) {
	t.Helper()
	select {
	case _, ok := <-s.C():
		if ok {
			t.Fatalf("expected stream to be closed")
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for stream close")
	}
}

func TestDispatcherCoalescesPendingEvents(t *testing.T) {
	bus := &recordingBus{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := NewDispatcher(bus, 0)

	d.Notify("s1", KindPositions)
	select {
	case <-bus.entered:
	case <-time.After(waitTimeout):
		t.Fatalf("dispatcher never published")
	}
	for i := 0; i < 10; i++ {
		d.Notify("s1", KindPositions)
	}
	d.Notify("s1", KindParticipants)
	close(bus.release)
	d.Close()

	events := bus.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 published events, got %d: %+v", len(events), events)
	}
	if events[1] != (Event{SessionID: "s1", Kind: KindPositions}) || events[2].Kind != KindParticipants {
		t.Fatalf("unexpected order %+v", events)
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	bus := &recordingBus{}
	d := NewDispatcher(bus, 0)
	d.Notify("s1", KindRoute, KindSession)
	d.Close()
	if got := len(bus.snapshot()); got != 2 {
		t.Fatalf("expected 2 events after close, got %d", got)
	}
	d.Notify("s1", KindRoute)
	if got := len(bus.snapshot()); got != 2 {
		t.Fatalf("expected notify after close to be ignored, got %d", got)
	}
}

// stalledBus blocks Publish for one session until release is closed.
type stalledBus struct {
	recordingBus
	stalled string
	entered chan struct{}
	release chan struct{}
}

func (b *stalledBus) Publish(ctx context.Context, ev Event) error {
	if ev.SessionID == b.stalled {
		close(b.entered)
		<-b.release
	}
	return b.recordingBus.Publish(ctx, ev)
}

func TestDispatcherSessionsPublishIndependently(t *testing.T) {
	bus := &stalledBus{stalled: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(bus, 0)

	d.Notify("slow", KindPositions)
	select {
	case <-bus.entered:
	case <-time.After(waitTimeout):
		t.Fatalf("dispatcher never published for slow")
	}
	d.Notify("fast", KindPositions)

	deadline := time.After(waitTimeout)
	for {
		events := bus.snapshot()
		if len(events) == 1 && events[0].SessionID == "fast" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected fast event while slow publish is stuck, got %+v", events)
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(bus.release)
	d.Close()
	if got := len(bus.snapshot()); got != 2 {
		t.Fatalf("expected 2 events after close, got %d", got)
	}
}

// gatedBus blocks Subscribe for one session until release is closed.
type gatedBus struct {
	*MemoryBus
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	if sessionID == b.gated {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.MemoryBus.Subscribe(ctx, sessionID)
}

func TestHubSubscribeDoesNotBlockOtherSessions(t *testing.T) {
	mem := NewMemoryBus(0)
	defer mem.Close()
	bus := &gatedBus{MemoryBus: mem, gated: "slow", entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub := NewHub(bus)
	spec := func(sessionID string) WatchSpec[int] {
		return WatchSpec[int]{
			Name:      "test",
			SessionID: sessionID,
			Kinds:     AllKinds,
			Load:      func(ctx context.Context) (int, error) { return 1, nil },
		}
	}

	type result struct {
		stream *Stream[int]
		err    error
	}
	slow := make(chan result, 2)
	go func() {
		s, err := Watch(context.Background(), hub, spec("slow"))
		slow <- result{s, err}
	}()
	select {
	case <-bus.entered:
	case <-time.After(waitTimeout):
		t.Fatalf("subscribe for slow never started")
	}
	// A second watcher of the pending session waits for the same subscription.
	go func() {
		s, err := Watch(context.Background(), hub, spec("slow"))
		slow <- result{s, err}
	}()

	fast := make(chan result, 1)
	go func() {
		s, err := Watch(context.Background(), hub, spec("fast"))
		fast <- result{s, err}
	}()
	select {
	case r := <-fast:
		if r.err != nil {
			t.Fatalf("watch fast: %v", r.err)
		}
		receive(t, r.stream)
		r.stream.Close()
	case <-time.After(waitTimeout):
		t.Fatalf("watch on fast blocked behind subscribe of slow")
	}
	if got := hub.Feeds(); got != 1 {
		t.Fatalf("expected only the pending slow feed, got %d", got)
	}

	close(bus.release)
	for i := 0; i < 2; i++ {
		select {
		case r := <-slow:
			if r.err != nil {
				t.Fatalf("watch slow: %v", r.err)
			}
			receive(t, r.stream)
			r.stream.Close()
		case <-time.After(waitTimeout):
			t.Fatalf("watch on slow never returned")
		}
	}
	if got := hub.Feeds(); got != 0 {
		t.Fatalf("expected feeds to be released, got %d", got)
	}
	if got := len(mem.Sessions()); got != 0 {
		t.Fatalf("expected bus subscriptions to be released, got %d", got)
	}
}

func TestHubWatcherGivesUpOnPendingSubscribe(t *testing.T) {
	mem := NewMemoryBus(0)
	defer mem.Close()
	bus := &gatedBus{MemoryBus: mem, gated: "slow", entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub := NewHub(bus)
	spec := WatchSpec[int]{
		Name:      "test",
		SessionID: "slow",
		Kinds:     AllKinds,
		Load:      func(ctx context.Context) (int, error) { return 1, nil },
	}

	ownerDone := make(chan error, 1)
	var owner *Stream[int]
	go func() {
		s, err := Watch(context.Background(), hub, spec)
		owner = s
		ownerDone <- err
	}()
	<-bus.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Watch(ctx, hub, spec); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(bus.release)
	if err := <-ownerDone; err != nil {
		t.Fatalf("watch owner: %v", err)
	}
	receive(t, owner)
	owner.Close()
	if got := hub.Feeds(); got != 0 {
		t.Fatalf("expected feed to be released, got %d", got)
	}
}

func TestStreamEmitsInitialAndReloads(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()
	hub := NewHub(bus)

	var version atomic.Int64
	stream, err := Watch(context.Background(), hub, WatchSpec[int64]{
		Name:      "test",
		SessionID: "s1",
		Kinds:     []Kind{KindRoute},
		Load:      func(ctx context.Context) (int64, error) { return version.Load(), nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := receive(t, stream); got != 0 {
		t.Fatalf("expected initial 0, got %d", got)
	}

	version.Store(7)
	if err = bus.Publish(context.Background(), Event{SessionID: "s1", Kind: KindRoute}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, stream); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}

	stream.Close()
	expectClosed(t, stream)
	if hub.Feeds() != 0 {
		t.Fatalf("expected feed to be released, got %d", hub.Feeds())
	}
	if len(bus.Sessions()) != 0 {
		t.Fatalf("expected bus subscription to be released")
	}
}

func TestStreamIgnoresOtherKinds(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()
	hub := NewHub(bus)

	var loads atomic.Int64
	stream, err := Watch(context.Background(), hub, WatchSpec[int64]{
		Name:      "test",
		SessionID: "s1",
		Kinds:     []Kind{KindRoute},
		Load:      func(ctx context.Context) (int64, error) { return loads.Add(1), nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()
	receive(t, stream)

	_ = bus.Publish(context.Background(), Event{SessionID: "s1", Kind: KindPositions})
	_ = bus.Publish(context.Background(), Event{SessionID: "other", Kind: KindRoute})
	_ = bus.Publish(context.Background(), Event{SessionID: "s1", Kind: KindRoute})
	if got := receive(t, stream); got != 2 {
		t.Fatalf("expected exactly one reload, got load #%d", got)
	}
}

func TestStreamSameSuppressesRepeats(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()
	hub := NewHub(bus)

	var value atomic.Pointer[string]
	stream, err := Watch(context.Background(), hub, WatchSpec[*string]{
		Name:      "test",
		SessionID: "s1",
		Kinds:     []Kind{KindRoute},
		Load:      func(ctx context.Context) (*string, error) { return value.Load(), nil },
		Same:      func(prev, next *string) bool { return prev == nil && next == nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()

	if got := receive(t, stream); got != nil {
		t.Fatalf("expected initial nil, got %v", *got)
	}
	_ = bus.Publish(context.Background(), Event{SessionID: "s1", Kind: KindRoute})
	dest := "harbour"
	value.Store(&dest)
	_ = bus.Publish(context.Background(), Event{SessionID: "s1", Kind: KindRoute})
	if got := receive(t, stream); got == nil || *got != "harbour" {
		t.Fatalf("expected harbour after suppressed nil, got %v", got)
	}
}

func TestStreamTerminalValueEndsStream(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()
	hub := NewHub(bus)

	stream, err := Watch(context.Background(), hub, WatchSpec[*int]{
		Name:      "test",
		SessionID: "s1",
		Kinds:     []Kind{KindSession},
		Load:      func(ctx context.Context) (*int, error) { return nil, nil },
		Terminal:  func(v *int) bool { return v == nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := receive(t, stream); got != nil {
		t.Fatalf("expected nil terminal value")
	}
	expectClosed(t, stream)
	stream.Close()
}

func TestBusCloseEndsStreams(t *testing.T) {
	bus := NewMemoryBus(0)
	hub := NewHub(bus)
	stream, err := Watch(context.Background(), hub, WatchSpec[int]{
		Name:      "test",
		SessionID: "s1",
		Kinds:     AllKinds,
		Load:      func(ctx context.Context) (int, error) { return 1, nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	receive(t, stream)
	_ = bus.Close()
	expectClosed(t, stream)
	stream.Close()

	if _, err = Watch(context.Background(), hub, WatchSpec[int]{SessionID: "s1", Kinds: AllKinds}); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestCloseWhileConsumerIsIdle(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()
	hub := NewHub(bus)
	stream, err := Watch(context.Background(), hub, WatchSpec[int]{
		Name:      "test",
		SessionID: "s1",
		Kinds:     AllKinds,
		Load:      func(ctx context.Context) (int, error) { return 1, nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// The initial value is never read; Close must still return.
	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("close blocked on an unread emission")
	}
	expectClosed(t, stream)
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	if _, err := decodeEvent(`{"session_id":"s1","kind":"weather"}`); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if _, err := decodeEvent(`not json`); err == nil {
		t.Fatalf("expected invalid payload to be rejected")
	}
	ev, err := decodeEvent(`{"session_id":"s1","kind":"route"}`)
	if err != nil || ev.Kind != KindRoute {
		t.Fatalf("expected route event, got %+v %v", ev, err)
	}
}

func TestKindMask(t *testing.T) {
	mask := Mask(KindParticipants, KindPositions)
	if !mask.Has(KindPositions) || mask.Has(KindRoute) || mask.Has(Kind("other")) {
		t.Fatalf("unexpected mask membership %08b", mask)
	}
}
