// Package config resolves the CLI configuration.
package config

import (
	"os"
)

// Default configuration values.
const (
	DefaultServerURL  = "http://localhost:8086"
	DefaultListenAddr = ":8086"
	DefaultDevice     = "cli"
)

// Config holds the resolved application configuration. The core treats all
// of it as opaque values.
type Config struct {
	// ServerURL is the base URL of the room signaling server.
	ServerURL string

	// ListenAddr is the bind address for the serve command.
	ListenAddr string

	// Device is the label shown to other room participants.
	Device string
}

// Options carries CLI flag overrides into Load.
type Options struct {
	ServerURL  string
	ListenAddr string
	Device     string
}

// Load resolves configuration with flags taking priority over environment
// variables, and environment variables over defaults.
func Load(opts Options) *Config {
	return &Config{
		ServerURL:  resolve(opts.ServerURL, "CALLROOM_SERVER", DefaultServerURL),
		ListenAddr: resolve(opts.ListenAddr, "CALLROOM_LISTEN", DefaultListenAddr),
		Device:     resolve(opts.Device, "CALLROOM_DEVICE", defaultDevice()),
	}
}

func resolve(flagValue, envKey, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

func defaultDevice() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return DefaultDevice
}
