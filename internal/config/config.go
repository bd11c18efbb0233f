// Package config holds the relay's in-process Config type and the
// defaulting/coercion rules attached to each field. Parsing flags,
// environment variables, or files into a Config is out of scope here; that
// is left to the binary that constructs one (see cmd/relay).
package config

import (
	"strings"
	"time"
)

const (
	// DefaultTunnelPort is used when the configured tunnel port is <= 1024.
	DefaultTunnelPort = 50001
	// DefaultMaxClients is used when the configured value is below MinMaxClients.
	DefaultMaxClients = 200
	// MinMaxClients is the lowest accepted max_clients value.
	MinMaxClients = 2
	// DefaultIPLimit is used when the configured value is below MinIPLimit.
	DefaultIPLimit = 8
	// MinIPLimit is the lowest accepted ip_limit value.
	MinIPLimit = 1
	// DefaultName is reported to the directory when name is empty.
	DefaultName = "Unnamed server"
	// DefaultClientTimeout is used when ClientTimeoutSecs is zero or negative.
	DefaultClientTimeout = 30 * time.Second
)

// Config holds every option the relay recognizes. Coercion happens in
// Normalize, not at construction, so that a Config can be built
// incrementally (by flags, by tests, by defaults) before being finalized
// once.
type Config struct {
	TunnelPort     int
	ReflectionPort int
	MaxClients     int
	IPLimit        int
	Name           string

	MasterURL      string
	MasterPassword string
	NoMasterAnnounce bool

	MaintenancePassword string

	ClientTimeoutSecs int

	// AdminAddr is the bind address for the admin/observability surface.
	// Empty disables the surface entirely.
	AdminAddr string
	// LogLevel is the minimum structured-log level to emit. An invalid
	// value is coerced to "info" by Normalize.
	LogLevel string
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		TunnelPort:        DefaultTunnelPort,
		ReflectionPort:    3478,
		MaxClients:        DefaultMaxClients,
		IPLimit:           DefaultIPLimit,
		Name:              DefaultName,
		ClientTimeoutSecs: int(DefaultClientTimeout / time.Second),
		LogLevel:          "info",
	}
}

// Normalize applies the field coercion rules in place and returns the
// receiver for chaining. It must be called exactly once, after all fields
// have been populated from whatever source (flags, env, tests) the caller
// uses, and before the Config is handed to any component.
func (c *Config) Normalize() *Config {
	if c.TunnelPort <= 1024 {
		c.TunnelPort = DefaultTunnelPort
	}
	if c.MaxClients < MinMaxClients {
		c.MaxClients = DefaultMaxClients
	}
	if c.IPLimit < MinIPLimit {
		c.IPLimit = DefaultIPLimit
	}
	c.Name = strings.ReplaceAll(c.Name, ";", "")
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.ClientTimeoutSecs <= 0 {
		c.ClientTimeoutSecs = int(DefaultClientTimeout / time.Second)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	return c
}

// ClientTimeout returns ClientTimeoutSecs as a time.Duration.
func (c Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutSecs) * time.Second
}

// MaintenanceConfigured reports whether a maintenance password was configured
// at all; without one the maintenance command is permanently disabled
// regardless of what bytes a datagram carries.
func (c Config) MaintenanceConfigured() bool {
	return c.MaintenancePassword != ""
}

// AdminEnabled reports whether the admin/observability surface should be
// started.
func (c Config) AdminEnabled() bool {
	return c.AdminAddr != ""
}
