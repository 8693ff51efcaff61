package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// dbTarget is a database DSN with credentials removed, safe to log.
type dbTarget struct {
	Type        string
	Host        string
	Port        int
	User        string
	Name        string
	SSLMode     string
	Path        string
	PasswordSet bool
}

func (t dbTarget) fields() log.Fields {
	if t.Type == "sqlite" {
		return log.Fields{"db_type": t.Type, "db_path": t.Path}
	}
	return log.Fields{
		"db_type":         t.Type,
		"db_host":         t.Host,
		"db_port":         t.Port,
		"db_user":         t.User,
		"db_name":         t.Name,
		"db_ssl_mode":     t.SSLMode,
		"db_password_set": t.PasswordSet,
	}
}

// describeDSN parses a postgres URL or a sqlite path.
func describeDSN(dsn string) (dbTarget, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dbTarget{}, fmt.Errorf("empty dsn")
	}

	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "postgres://") && !strings.HasPrefix(lowered, "postgresql://") {
		if strings.Contains(lowered, "host=") {
			return describeKeyValueDSN(trimmed)
		}
		pathPart := strings.TrimPrefix(trimmed, "file:")
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return dbTarget{Type: "sqlite", Path: strings.TrimSpace(pathPart)}, nil
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return dbTarget{}, fmt.Errorf("parse dsn: %w", errParse)
	}
	port := 5432
	if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
		parsedPort, errPort := strconv.Atoi(rawPort)
		if errPort != nil {
			return dbTarget{}, fmt.Errorf("parse port: %w", errPort)
		}
		port = parsedPort
	}
	username := ""
	passwordSet := false
	if u.User != nil {
		username = strings.TrimSpace(u.User.Username())
		_, passwordSet = u.User.Password()
	}
	sslMode := strings.TrimSpace(u.Query().Get("sslmode"))
	if sslMode == "" {
		sslMode = "disable"
	}
	return dbTarget{
		Type:        "postgres",
		Host:        strings.TrimSpace(u.Hostname()),
		Port:        port,
		User:        username,
		Name:        strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
		SSLMode:     sslMode,
		PasswordSet: passwordSet,
	}, nil
}

// describeKeyValueDSN handles the libpq "host=... dbname=..." form.
func describeKeyValueDSN(dsn string) (dbTarget, error) {
	target := dbTarget{Type: "postgres", Port: 5432, SSLMode: "disable"}
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "'")
		switch strings.ToLower(key) {
		case "host":
			target.Host = value
		case "port":
			port, errPort := strconv.Atoi(value)
			if errPort != nil {
				return dbTarget{}, fmt.Errorf("parse port: %w", errPort)
			}
			target.Port = port
		case "user":
			target.User = value
		case "dbname":
			target.Name = value
		case "sslmode":
			target.SSLMode = value
		case "password":
			target.PasswordSet = value != ""
		}
	}
	return target, nil
}
