package ratelimit

import (
	"strings"
	"time"

	"github.com/ridecircle/groupride/internal/config"
)

const defaultRedisPrefix = "groupride"

// SettingsConfig captures the ingest rate limit settings.
type SettingsConfig struct {
	Limit         int
	Window        time.Duration
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// FromIngestConfig converts loaded configuration into limiter settings.
func FromIngestConfig(cfg config.IngestConfig) SettingsConfig {
	out := SettingsConfig{
		Limit:         cfg.RateLimit,
		Window:        cfg.Window,
		RedisEnabled:  cfg.Backend == config.BusRedis,
		RedisAddr:     strings.TrimSpace(cfg.Redis.Addr),
		RedisPassword: strings.TrimSpace(cfg.Redis.Password),
		RedisDB:       cfg.Redis.DB,
		RedisPrefix:   strings.TrimSpace(cfg.Redis.Prefix),
	}
	if out.Limit < 0 {
		out.Limit = 0
	}
	if out.Window <= 0 {
		out.Window = time.Second
	}
	if out.RedisDB < 0 {
		out.RedisDB = 0
	}
	if out.RedisPrefix == "" {
		out.RedisPrefix = defaultRedisPrefix
	}
	return out
}

// StaticSettings returns a provider that always yields cfg.
func StaticSettings(cfg SettingsConfig) SettingsProvider {
	return func() SettingsConfig { return cfg }
}
