package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitrepo/internal/bus/quicbus"
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

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	cfg.PrivateKey, err = security.LoadOrGenerateIdentity(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	broker, err := quicbus.NewBroker(quicbus.Config{
		PrivateKey: cfg.PrivateKey,
		ListenAddr: cfg.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("create broker:\n%w", err)
	}

	if err := broker.Start(); err != nil {
		return fmt.Errorf("start broker:\n%w", err)
	}

	logger.Info("starting bus broker",
		"pubkey", hex.EncodeToString(cfg.PrivateKey.Public().(ed25519.PublicKey)),
		"addr", broker.Addr(),
	)

	stop := make(chan struct{})
	if cfg.StatsInterval > 0 {
		go logStats(broker, cfg.StatsInterval, stop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	close(stop)

	return broker.Close()
}

// logStats periodically logs the number of live subscriptions.
func logStats(b *quicbus.Broker, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Info("broker stats", "subscriptions", b.Subscriptions())
		case <-stop:
			return
		}
	}
}
