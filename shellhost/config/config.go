// Package config reads the environment-style options that control how a
// shellhost process binds tenants and whether it supervises worker processes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort         = 1337
	defaultHost         = "localhost"
	defaultWorkerCount  = 1
	defaultSitesDir     = "sites"
	defaultModulesDir   = "modules"
	defaultDataDir      = "data"
	defaultDrainTimeout = 30 * time.Second
	defaultRetention    = 30 * 24 * time.Hour
)

// Config holds the options recognized by the server.
type Config struct {
	Port           int           // PORT: default bind port for tenants that do not set one
	Host           string        // IP: default bind host
	WorkerCount    int           // WorkerCount: workers started under supervision
	RunInCluster   bool          // RunInCluster: enables the process supervisor
	SitesDir       string        // SITES_DIR: tenant settings root
	ModulesDir     string        // MODULES_DIR: module manifests root
	DataDir        string        // DATA_DIR: location of the audit database
	LogLevel       slog.Level    // LOG_LEVEL
	DrainTimeout   time.Duration // DRAIN_TIMEOUT: hard-kill watchdog after a request fault
	AuditRetention time.Duration // AUDIT_RETENTION: audit events older than this are deleted at worker boot; zero keeps all
}

// Load reads a .env file from the working directory, if present, and then
// builds a Config from the process environment. Variables already set in the
// environment take precedence over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config using the given lookup function. Unset or
// unparsable numeric values fall back to their defaults.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		Port:         defaultPort,
		Host:         defaultHost,
		WorkerCount:  defaultWorkerCount,
		SitesDir:     defaultSitesDir,
		ModulesDir:   defaultModulesDir,
		DataDir:      defaultDataDir,
		LogLevel:     slog.LevelInfo,
		DrainTimeout: defaultDrainTimeout,

		AuditRetention: defaultRetention,
	}

	if port, err := strconv.Atoi(get("PORT")); err == nil && port > 0 {
		cfg.Port = port
	}
	if host := get("IP"); host != "" {
		cfg.Host = host
	}
	if n, err := strconv.Atoi(get("WorkerCount")); err == nil && n > 0 {
		cfg.WorkerCount = n
	}
	cfg.RunInCluster = parseFlag(get("RunInCluster"))

	if dir := get("SITES_DIR"); dir != "" {
		cfg.SitesDir = dir
	}
	if dir := get("MODULES_DIR"); dir != "" {
		cfg.ModulesDir = dir
	}
	if dir := get("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if raw := get("LOG_LEVEL"); raw != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", raw, err)
		}
		cfg.LogLevel = lvl
	}

	if raw := get("DRAIN_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid DRAIN_TIMEOUT %q", raw)
		}
		cfg.DrainTimeout = d
	}

	if raw := get("AUDIT_RETENTION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("invalid AUDIT_RETENTION %q", raw)
		}
		cfg.AuditRetention = d
	}

	return cfg, nil
}

// parseFlag treats any non-empty value as true unless it parses as a false
// boolean ("0", "false", ...).
func parseFlag(raw string) bool {
	if raw == "" {
		return false
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return true
}
