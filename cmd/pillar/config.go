package main

import (
	"crypto/ed25519"
	"flag"
	"time"
)

// Config holds the pillar configuration.
type Config struct {
	// SettingsPath is the repository settings file.
	SettingsPath string

	// PillarID is this pillar's identifier.
	PillarID string

	// Collection is the served collection; defaults to the first collection listing PillarID.
	Collection string

	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address, empty disables the API.
	HTTPAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the pillar's identity key.
	PrivateKey ed25519.PrivateKey

	// DeliveryTime is the delivery estimate reported for Get.
	DeliveryTime time.Duration

	// TransferFailures injects transient failures on the first requests.
	TransferFailures int

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SettingsPath, "settings", "settings.yaml", "Repository settings file")
	flag.StringVar(&cfg.PillarID, "id", "", "Pillar id")
	flag.StringVar(&cfg.Collection, "collection", "", "Served collection (default: first collection listing the pillar)")
	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address (empty disables)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.DurationVar(&cfg.DeliveryTime, "delivery", time.Second, "Delivery time reported to Get identifications")
	flag.IntVar(&cfg.TransferFailures, "transfer-failures", 0, "Answer the first N requests with a transfer failure")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}
