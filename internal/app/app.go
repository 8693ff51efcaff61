// Package app wires configuration, storage, realtime plumbing and the HTTP
// API into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ridecircle/groupride/internal/config"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/groups"
	"github.com/ridecircle/groupride/internal/http/api/ride"
	"github.com/ridecircle/groupride/internal/identity"
	"github.com/ridecircle/groupride/internal/location"
	"github.com/ridecircle/groupride/internal/participant"
	"github.com/ridecircle/groupride/internal/profile"
	"github.com/ridecircle/groupride/internal/ratelimit"
	"github.com/ridecircle/groupride/internal/realtime"
	"github.com/ridecircle/groupride/internal/security"
	"github.com/ridecircle/groupride/internal/session"
	"github.com/ridecircle/groupride/internal/sharedroute"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// resolveDSN loads the configured DSN, falling back to a local SQLite file.
func resolveDSN(configPath string) (string, error) {
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errors.Is(errDSN, config.ErrMissingDatabaseDSN) {
		log.Infof("no database configured, using %s", db.DefaultSQLitePath)
		return db.DefaultSQLitePath, nil
	}
	return dsn, errDSN
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := resolveDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.WithFields(describeFields(dsn)).Info("schema migrated")
	return nil
}

// IssueToken signs a rider token with the configured secret.
func IssueToken(cfg config.AppConfig, userID string) (string, error) {
	jwtCfg, errJWT := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if errJWT != nil {
		return "", errJWT
	}
	return security.IssueRiderToken(jwtCfg.Secret, userID, jwtCfg.Expiry, time.Now().UTC())
}

// Components is the assembled service graph.
type Components struct {
	Bus        realtime.Bus
	Dispatcher *realtime.Dispatcher
	Hub        *realtime.Hub
	Limiter    *ratelimit.Manager
	Services   ride.Services
}

// Close drains pending notifications and releases the bus and limiter.
func (c *Components) Close() {
	c.Dispatcher.Close()
	if errBus := c.Bus.Close(); errBus != nil {
		log.WithError(errBus).Warn("close realtime bus")
	}
	if errLimiter := c.Limiter.Close(); errLimiter != nil {
		log.WithError(errLimiter).Warn("close rate limiter")
	}
}

// Build wires every component on top of conn.
func Build(ctx context.Context, conn *gorm.DB, dsn string, rtCfg config.RealtimeConfig, ingestCfg config.IngestConfig) (*Components, error) {
	bus, errBus := newBus(ctx, conn, dsn, rtCfg)
	if errBus != nil {
		return nil, errBus
	}
	dispatcher := realtime.NewDispatcher(bus, rtCfg.DispatchBuffer)
	hub := realtime.NewHub(bus)
	limiter := ratelimit.NewManager(ratelimit.StaticSettings(ratelimit.FromIngestConfig(ingestCfg)), nil, nil)

	ident := identity.ContextIdentity{}
	lookup := profile.NewGormLookup(conn)
	return &Components{
		Bus:        bus,
		Dispatcher: dispatcher,
		Hub:        hub,
		Limiter:    limiter,
		Services: ride.Services{
			DB:           conn,
			Groups:       groups.NewDirectory(conn, ident, dispatcher),
			Sessions:     session.NewManager(conn, ident, dispatcher, hub),
			Participants: participant.NewGate(conn, ident, dispatcher, hub, lookup),
			Locations:    location.NewService(conn, ident, dispatcher, hub, limiter),
			Routes:       sharedroute.NewCoordinator(conn, ident, dispatcher, hub),
		},
	}, nil
}

func newBus(ctx context.Context, conn *gorm.DB, dsn string, cfg config.RealtimeConfig) (realtime.Bus, error) {
	switch cfg.Bus {
	case config.BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if errPing := client.Ping(ctxPing).Err(); errPing != nil {
			_ = client.Close()
			return nil, fmt.Errorf("app: connect redis bus: %w", errPing)
		}
		log.WithField("addr", cfg.Redis.Addr).Info("realtime bus: redis")
		return realtime.NewRedisBus(client, cfg.Redis.Prefix, cfg.SubscriberQueue, true), nil
	case config.BusPostgres:
		if !db.IsPostgresDSN(dsn) {
			return nil, fmt.Errorf("app: realtime bus %q requires a postgres database", cfg.Bus)
		}
		bus, errBus := realtime.NewPostgresBus(ctx, conn, dsn, cfg.Channel, cfg.SubscriberQueue)
		if errBus != nil {
			return nil, fmt.Errorf("app: start postgres bus: %w", errBus)
		}
		log.WithField("channel", cfg.Channel).Info("realtime bus: postgres")
		return bus, nil
	default:
		log.Info("realtime bus: memory")
		return realtime.NewMemoryBus(cfg.SubscriberQueue), nil
	}
}

// NewEngine builds the gin engine serving the ride API.
func NewEngine(c *Components, jwtCfg config.JWTConfig, heartbeat time.Duration) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	ride.RegisterRideRoutes(engine, c.Services, jwtCfg, heartbeat)
	return engine
}

// requestLogger logs each request once it completes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}

// configureLogging applies the level and formatter from server settings.
func configureLogging(cfg config.ServerConfig) {
	if level, errLevel := log.ParseLevel(cfg.LogLevel); errLevel == nil {
		log.SetLevel(level)
	}
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

// RunServer boots the ride API and blocks until ctx is cancelled. A
// positive portOverride replaces the configured port.
func RunServer(ctx context.Context, cfg config.AppConfig, portOverride int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	serverCfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	configureLogging(serverCfg)
	if portOverride > 0 {
		serverCfg.Port = portOverride
	}

	jwtCfg, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return err
	}
	if jwtCfg.Secret == "" {
		return fmt.Errorf("app: jwt secret is required (set jwt.secret or %s)", config.EnvJWTSecret)
	}
	rtCfg, err := config.LoadRealtimeConfig(configPath)
	if err != nil {
		return err
	}
	ingestCfg, err := config.LoadIngestConfig(configPath)
	if err != nil {
		return err
	}

	dsn, err := resolveDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	log.WithFields(describeFields(dsn)).Info("database ready")

	components, err := Build(ctx, conn, dsn, rtCfg, ingestCfg)
	if err != nil {
		return err
	}
	defer components.Close()

	server := &http.Server{
		Addr:              net.JoinHostPort(serverCfg.Host, strconv.Itoa(serverCfg.Port)),
		Handler:           NewEngine(components, jwtCfg, rtCfg.Heartbeat),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("groupride listening on %s with config=%s", server.Addr, configPath)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}
	log.Info("shutting down")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(ctxShutdown); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

func describeFields(dsn string) log.Fields {
	target, errDescribe := describeDSN(dsn)
	if errDescribe != nil {
		return log.Fields{"db_type": "unknown"}
	}
	return target.fields()
}

func closeDB(conn *gorm.DB) {
	if sqlDB, errDB := conn.DB(); errDB == nil {
		_ = sqlDB.Close()
	}
}
