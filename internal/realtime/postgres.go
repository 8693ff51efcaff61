package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ridecircle/groupride/internal/metrics"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultPostgresChannel = "groupride_events"
	listenRetryMin         = 500 * time.Millisecond
	listenRetryMax         = 30 * time.Second
)

// PostgresBus relays events through LISTEN/NOTIFY on a single channel.
// Notifications are published with the gorm connection and received by a
// dedicated pgx connection that feeds a local MemoryBus.
type PostgresBus struct {
	db      *gorm.DB
	dsn     string
	channel string
	local   *MemoryBus

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPostgresBus starts the listener goroutine. It returns once the first
// LISTEN succeeded so events published afterwards are not missed.
func NewPostgresBus(ctx context.Context, conn *gorm.DB, dsn, channel string, queue int) (*PostgresBus, error) {
	if conn == nil {
		return nil, fmt.Errorf("realtime: nil database connection")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultPostgresChannel
	}
	listener, errConnect := listen(ctx, dsn, channel)
	if errConnect != nil {
		return nil, errConnect
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b := &PostgresBus{
		db:      conn,
		dsn:     dsn,
		channel: channel,
		local:   NewMemoryBus(queue),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.run(runCtx, listener)
	return b, nil
}

func listen(ctx context.Context, dsn, channel string) (*pgx.Conn, error) {
	conn, errConnect := pgx.Connect(ctx, dsn)
	if errConnect != nil {
		return nil, fmt.Errorf("realtime: postgres listen connect: %w", errConnect)
	}
	if _, errListen := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); errListen != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("realtime: postgres listen: %w", errListen)
	}
	return conn, nil
}

// Publish issues pg_notify on the shared channel.
func (b *PostgresBus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	payload, errEncode := encodeEvent(ev)
	if errEncode != nil {
		return errEncode
	}
	if errNotify := b.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", b.channel, payload).Error; errNotify != nil {
		return fmt.Errorf("realtime: postgres notify: %w", errNotify)
	}
	return nil
}

// Subscribe attaches to the local fan-out for sessionID.
func (b *PostgresBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	return b.local.Subscribe(ctx, sessionID)
}

// Close stops the listener and ends every subscription.
func (b *PostgresBus) Close() error {
	b.once.Do(func() {
		b.cancel()
		<-b.done
		_ = b.local.Close()
	})
	return nil
}

func (b *PostgresBus) run(ctx context.Context, conn *pgx.Conn) {
	defer close(b.done)
	backoff := listenRetryMin
	for {
		if conn == nil {
			var errListen error
			conn, errListen = listen(ctx, b.dsn, b.channel)
			if errListen != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(errListen).Warnf("realtime: postgres listener reconnect failed, retrying in %s", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, listenRetryMax)
				continue
			}
			backoff = listenRetryMin
			// Notifications sent while disconnected are lost; force every watcher to reload.
			b.resync(ctx)
		}

		notification, errWait := conn.WaitForNotification(ctx)
		if errWait != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Close(closeCtx)
			cancel()
			conn = nil
			if ctx.Err() != nil || errors.Is(errWait, context.Canceled) {
				return
			}
			metrics.EventsDropped.WithLabelValues("postgres").Inc()
			log.WithError(errWait).Warn("realtime: postgres listener lost connection")
			continue
		}
		ev, errDecode := decodeEvent(notification.Payload)
		if errDecode != nil {
			log.WithError(errDecode).Warn("realtime: skip postgres notification")
			continue
		}
		_ = b.local.Publish(ctx, ev)
	}
}

func (b *PostgresBus) resync(ctx context.Context) {
	for _, sessionID := range b.local.Sessions() {
		for _, kind := range AllKinds {
			_ = b.local.Publish(ctx, Event{SessionID: sessionID, Kind: kind})
		}
	}
}
