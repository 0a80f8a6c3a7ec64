package main

import (
	"fmt"
	"os"

	"bitrepo/internal/logger"
	"bitrepo/internal/security"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	if cfg.PillarID == "" {
		return fmt.Errorf("-id is required")
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	cfg.PrivateKey, err = security.LoadOrGenerateIdentity(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create pillar:\n%w", err)
	}

	return node.Run()
}
