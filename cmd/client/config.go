package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"time"
)

// Config holds the client command configuration.
type Config struct {
	// SettingsPath is the repository settings file.
	SettingsPath string

	// Command is the operation to run.
	Command string

	// Collection is the targeted collection; defaults to the first configured one.
	Collection string

	// FileID is the file concerned.
	FileID string

	// PillarID selects the pillar for delete and replace.
	PillarID string

	// InputPath is the content to upload for put and replace.
	InputPath string

	// OutputPath receives the content fetched by get, stdout when empty.
	OutputPath string

	// Existing is the hex checksum of the file being deleted or replaced.
	Existing string

	// AuditPath is the audit trail directory, empty disables auditing.
	AuditPath string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the client's identity key.
	PrivateKey ed25519.PrivateKey

	// Timeout bounds the whole command.
	Timeout time.Duration

	// JSON prints events as JSON lines.
	JSON bool

	// LogLevel is the minimum log level.
	LogLevel string
}

// commands lists the supported operations.
var commands = []string{"put", "get", "delete", "replace", "ids", "checksums"}

// parseFlags parses command-line flags and the command argument into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.SettingsPath, "settings", "settings.yaml", "Repository settings file")
	flag.StringVar(&cfg.Collection, "collection", "", "Collection id (default: first configured)")
	flag.StringVar(&cfg.FileID, "file", "", "File id")
	flag.StringVar(&cfg.PillarID, "pillar", "", "Pillar id for delete and replace")
	flag.StringVar(&cfg.InputPath, "in", "", "Content path for put and replace")
	flag.StringVar(&cfg.OutputPath, "out", "", "Output path for get (default: stdout)")
	flag.StringVar(&cfg.Existing, "existing", "", "Hex checksum of the file being deleted or replaced")
	flag.StringVar(&cfg.AuditPath, "audit", "", "Audit trail directory")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "Overall command timeout")
	flag.BoolVar(&cfg.JSON, "json", false, "Print events as JSON lines")
	flag.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		return nil, fmt.Errorf("expected one command: %v", commands)
	}

	cfg.Command = flag.Arg(0)

	return cfg, cfg.validate()
}

// validate checks that the command has the arguments it needs.
func (c *Config) validate() error {
	switch c.Command {
	case "ids", "checksums":
		return nil
	case "get":
	case "put":
		if c.InputPath == "" {
			return fmt.Errorf("put requires -in")
		}
	case "delete":
		if c.PillarID == "" {
			return fmt.Errorf("delete requires -pillar")
		}
	case "replace":
		if c.PillarID == "" || c.InputPath == "" {
			return fmt.Errorf("replace requires -pillar and -in")
		}
	default:
		return fmt.Errorf("unknown command %q, expected one of %v", c.Command, commands)
	}

	if c.FileID == "" {
		return fmt.Errorf("%s requires -file", c.Command)
	}

	return nil
}

// usage prints the command synopsis.
func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: client [flags] <%s|%s|%s|%s|%s|%s>\n", commands[0], commands[1], commands[2], commands[3], commands[4], commands[5])
	flag.PrintDefaults()
}
