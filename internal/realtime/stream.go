package realtime

import (
	"context"
	"sync"

	"github.com/ridecircle/groupride/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Stream delivers successive snapshots of session state.
//
// C is unbuffered: once Close returns nothing further is delivered. C is
// closed when the stream ends, whether by Close, context cancellation, a
// terminal value or loss of the underlying bus.
type Stream[T any] struct {
	c      chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// C returns the snapshot channel.
func (s *Stream[T]) C() <-chan T { return s.c }

// Done is closed once the stream goroutine has exited.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Close detaches the stream and waits for its goroutine to exit.
func (s *Stream[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// WatchSpec describes how to build and refresh one stream.
type WatchSpec[T any] struct {
	// Name labels the stream in logs and metrics.
	Name      string
	SessionID string
	Kinds     []Kind
	// Load reads the current snapshot. Errors are logged and the previous
	// snapshot stays in effect until the next change.
	Load func(ctx context.Context) (T, error)
	// Same, when set, suppresses an emission equal to the previous one.
	Same func(prev, next T) bool
	// Terminal, when set, ends the stream after emitting a matching value.
	Terminal func(T) bool
}

// Watch subscribes to the session feed, emits the current snapshot and then
// a fresh snapshot after every matching change.
func Watch[T any](ctx context.Context, hub *Hub, spec WatchSpec[T]) (*Stream[T], error) {
	runCtx, cancel := context.WithCancel(ctx)
	w, release, errWatch := hub.watch(runCtx, spec.SessionID, Mask(spec.Kinds...))
	if errWatch != nil {
		cancel()
		return nil, errWatch
	}
	s := &Stream[T]{
		c:      make(chan T),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	gauge := metrics.StreamSubscribers.WithLabelValues(spec.Name)
	gauge.Inc()
	go func() {
		defer func() {
			release()
			cancel()
			gauge.Dec()
			close(s.c)
			close(s.done)
		}()
		s.run(runCtx, w, spec)
	}()
	return s, nil
}

func (s *Stream[T]) run(ctx context.Context, w *watcher, spec WatchSpec[T]) {
	var last T
	emitted := false
	for {
		value, errLoad := spec.Load(ctx)
		switch {
		case errLoad != nil:
			if ctx.Err() != nil {
				return
			}
			log.WithError(errLoad).WithFields(log.Fields{"stream": spec.Name, "session_id": spec.SessionID}).Warn("realtime: reload failed")
		case emitted && spec.Same != nil && spec.Same(last, value):
		default:
			select {
			case s.c <- value:
			case <-ctx.Done():
				return
			}
			last, emitted = value, true
			if spec.Terminal != nil && spec.Terminal(value) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.gone:
			return
		case <-w.signal:
		}
	}
}
