// Package config collects the service settings from environment variables.
// CLI flags layered on top by the command tree take precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHost is the TCP bind address when no unix socket is configured.
	DefaultHost = "0.0.0.0"
	// DefaultPort is the TCP control-plane port.
	DefaultPort = 28256
)

// Config holds everything the serve command needs to wire the service.
type Config struct {
	DBPath     string
	BasePath   string
	UnixSocket string
	Host       string
	Port       int
	PreferIPv6 bool

	TaskTimeout      time.Duration
	ConditionTimeout time.Duration
}

// FromEnv builds a Config from the SCHEDULER_* environment variables, filling
// defaults for anything unset.
func FromEnv() Config {
	cfg := Config{
		DBPath:           StripWrappingQuotes(os.Getenv("SCHEDULER_DB_PATH")),
		BasePath:         NormalizeBasePath(StripWrappingQuotes(os.Getenv("SCHEDULER_BASE_PATH"))),
		UnixSocket:       StripWrappingQuotes(os.Getenv("SCHEDULER_UNIX_SOCKET")),
		Host:             DefaultHost,
		Port:             DefaultPort,
		TaskTimeout:      900 * time.Second,
		ConditionTimeout: 60 * time.Second,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "scheduler.db"
	}
	if secs, ok := envSeconds("SCHEDULER_TASK_TIMEOUT"); ok {
		cfg.TaskTimeout = secs
	}
	if secs, ok := envSeconds("SCHEDULER_CONDITION_TIMEOUT"); ok {
		cfg.ConditionTimeout = secs
	}
	return cfg
}

func envSeconds(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// NormalizeBasePath coerces a prefix to "/name" form with no trailing slash.
// Empty and "/" both mean no prefix.
func NormalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// StripWrappingQuotes removes one layer of matching single or double quotes,
// which shell wrappers and service files tend to leave on path values.
func StripWrappingQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
