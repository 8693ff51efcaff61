package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Realtime bus backends.
const (
	BusMemory   = "memory"
	BusRedis    = "redis"
	BusPostgres = "postgres"
)

// ServerConfig controls the HTTP listener and logging.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log-level"`
	LogJSON  bool   `yaml:"log-json"`
}

// RedisConfig addresses the shared redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RealtimeConfig selects how change events travel between processes.
type RealtimeConfig struct {
	Bus             string        `yaml:"bus"`
	Channel         string        `yaml:"channel"`
	DispatchBuffer  int           `yaml:"dispatch-buffer"`
	SubscriberQueue int           `yaml:"subscriber-queue"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	Redis           RedisConfig   `yaml:"redis"`
}

// IngestConfig bounds how fast a single rider may report pings.
type IngestConfig struct {
	RateLimit int           `yaml:"rate-limit"`
	Window    time.Duration `yaml:"window"`
	Backend   string        `yaml:"backend"`
	Redis     RedisConfig   `yaml:"redis"`
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultChannel         = "groupride_events"
	defaultDispatchBuffer  = 1024
	defaultSubscriberQueue = 64
	defaultHeartbeat       = 25 * time.Second
	defaultRedisPrefix     = "groupride"
	defaultIngestWindow    = time.Second
)

// LoadServerConfig loads listener and logging settings.
func LoadServerConfig(configPath string) (ServerConfig, error) {
	result := ServerConfig{}
	if errRead := readConfig(configPath, &result); errRead != nil {
		return ServerConfig{}, errRead
	}
	if strings.TrimSpace(result.Host) == "" {
		result.Host = defaultHost
	}
	if result.Port <= 0 {
		result.Port = defaultPort
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		result.LogLevel = level
	}
	if strings.TrimSpace(result.LogLevel) == "" {
		result.LogLevel = log.InfoLevel.String()
	}
	if _, errLevel := log.ParseLevel(result.LogLevel); errLevel != nil {
		return ServerConfig{}, fmt.Errorf("invalid log-level %q: %w", result.LogLevel, errLevel)
	}
	return result, nil
}

// LoadRealtimeConfig loads the change bus settings.
func LoadRealtimeConfig(configPath string) (RealtimeConfig, error) {
	type fileConfig struct {
		Realtime RealtimeConfig `yaml:"realtime"`
	}

	var cfg fileConfig
	if errRead := readConfig(configPath, &cfg); errRead != nil {
		return RealtimeConfig{}, errRead
	}
	result := cfg.Realtime

	if bus := strings.TrimSpace(os.Getenv(EnvRealtimeBus)); bus != "" {
		result.Bus = bus
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		result.Redis.Addr = addr
	}
	result.Bus = strings.ToLower(strings.TrimSpace(result.Bus))
	switch result.Bus {
	case "":
		result.Bus = BusMemory
	case BusMemory, BusPostgres:
	case BusRedis:
		if strings.TrimSpace(result.Redis.Addr) == "" {
			return RealtimeConfig{}, fmt.Errorf("realtime bus redis requires realtime.redis.addr")
		}
	default:
		return RealtimeConfig{}, fmt.Errorf("unsupported realtime bus %q", result.Bus)
	}
	if strings.TrimSpace(result.Channel) == "" {
		result.Channel = defaultChannel
	}
	if result.DispatchBuffer <= 0 {
		result.DispatchBuffer = defaultDispatchBuffer
	}
	if result.SubscriberQueue <= 0 {
		result.SubscriberQueue = defaultSubscriberQueue
	}
	if result.Heartbeat <= 0 {
		result.Heartbeat = defaultHeartbeat
	}
	if strings.TrimSpace(result.Redis.Prefix) == "" {
		result.Redis.Prefix = defaultRedisPrefix
	}
	return result, nil
}

// LoadIngestConfig loads the per-rider ping rate limit. A zero limit disables it.
func LoadIngestConfig(configPath string) (IngestConfig, error) {
	type fileConfig struct {
		Ingest IngestConfig `yaml:"ingest"`
	}

	var cfg fileConfig
	if errRead := readConfig(configPath, &cfg); errRead != nil {
		return IngestConfig{}, errRead
	}
	result := cfg.Ingest
	if result.RateLimit < 0 {
		result.RateLimit = 0
	}
	if result.Window <= 0 {
		result.Window = defaultIngestWindow
	}
	result.Backend = strings.ToLower(strings.TrimSpace(result.Backend))
	if result.Backend == "" {
		result.Backend = BusMemory
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" && result.Redis.Addr == "" {
		result.Redis.Addr = addr
	}
	if result.Backend == BusRedis && strings.TrimSpace(result.Redis.Addr) == "" {
		return IngestConfig{}, fmt.Errorf("ingest backend redis requires ingest.redis.addr")
	}
	if strings.TrimSpace(result.Redis.Prefix) == "" {
		result.Redis.Prefix = defaultRedisPrefix
	}
	return result, nil
}
