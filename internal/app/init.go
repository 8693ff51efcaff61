package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ridecircle/groupride/internal/config"
	"github.com/ridecircle/groupride/internal/db"
	"github.com/ridecircle/groupride/internal/security"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned when init would overwrite a config file.
var ErrConfigExists = errors.New("config file already exists")

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Host        string      `yaml:"host"`
	Port        int         `yaml:"port"`
	DatabaseDSN string      `yaml:"database-dsn"`
	LogLevel    string      `yaml:"log-level"`
	LogJSON     bool        `yaml:"log-json"`
	JWT         jwtCfg      `yaml:"jwt"`
	Realtime    realtimeCfg `yaml:"realtime"`
	Ingest      ingestCfg   `yaml:"ingest"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

type realtimeCfg struct {
	Bus       string `yaml:"bus"`
	Heartbeat string `yaml:"heartbeat"`
}

type ingestCfg struct {
	RateLimit int    `yaml:"rate-limit"`
	Window    string `yaml:"window"`
	Backend   string `yaml:"backend"`
}

// generateJWTSecret creates a random JWT secret string.
func generateJWTSecret() (string, error) {
	return security.GenerateRandomString(32)
}

// WriteConfigFile writes a starter config with a fresh JWT secret. An empty
// dsn selects the local SQLite file. Existing files are never overwritten.
func WriteConfigFile(configPath string, dsn string, port int) error {
	if ConfigExists(configPath) {
		return fmt.Errorf("%w: %s", ErrConfigExists, configPath)
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = db.DefaultSQLitePath
	}
	secret, errSecret := generateJWTSecret()
	if errSecret != nil {
		return errSecret
	}
	bus := config.BusMemory
	if db.IsPostgresDSN(dsn) {
		bus = config.BusPostgres
	}
	cfg := configFile{
		Host:        "",
		Port:        port,
		DatabaseDSN: dsn,
		LogLevel:    "info",
		JWT: jwtCfg{
			Secret: secret,
			Expiry: "720h",
		},
		Realtime: realtimeCfg{
			Bus:       bus,
			Heartbeat: "25s",
		},
		Ingest: ingestCfg{
			RateLimit: 5,
			Window:    "1s",
			Backend:   config.BusMemory,
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}
