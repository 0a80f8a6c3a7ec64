package main

import (
	"crypto/ed25519"
	"flag"
	"time"
)

// Config holds the broker configuration.
type Config struct {
	// ListenAddr is the QUIC listen address.
	ListenAddr string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the broker's TLS identity.
	PrivateKey ed25519.PrivateKey

	// LogLevel is the minimum log level.
	LogLevel string

	// StatsInterval is the period of subscription statistics logs, 0 disables them.
	StatsInterval time.Duration
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen", ":4400", "QUIC listen address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.StatsInterval, "stats", 0, "Interval between statistics logs")
	flag.Parse()

	return cfg
}
