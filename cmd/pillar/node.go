package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitrepo/internal/api"
	"bitrepo/internal/bus"
	"bitrepo/internal/logger"
	"bitrepo/internal/pillar"
	"bitrepo/internal/security"
	"bitrepo/internal/settings"
	"bitrepo/internal/storage"
)

// connectTimeout bounds the initial bus connection.
const connectTimeout = 15 * time.Second

// Node is a running pillar process.
type Node struct {
	cfg       *Config
	storage   *storage.Storage
	messenger *bus.Messenger
	pillar    *pillar.Pillar
	api       *api.Server
}

// NewNode loads settings, opens storage and connects to the bus.
func NewNode(cfg *Config) (*Node, error) {
	s, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}

	collection, err := servedCollection(s, cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}

	n.storage, err = storage.New(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open storage:\n%w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	transport, err := s.Bus.Connect(ctx, cfg.PillarID, cfg.PrivateKey)
	if err != nil {
		n.Close()
		return nil, err
	}

	var sealer security.Sealer
	if s.Security.Sign {
		kp, err := security.DeriveFromED25519(cfg.PrivateKey)
		if err != nil {
			transport.Close()
			n.Close()
			return nil, fmt.Errorf("derive signing key:\n%w", err)
		}

		logger.Info("signing frames", "bls_pubkey", hex.EncodeToString(kp.PublicKey()))
		sealer = kp
	}

	n.messenger = bus.NewMessenger(transport, cfg.PillarID, sealer, s.Opener())

	n.pillar, err = pillar.New(pillar.Config{
		ID:           cfg.PillarID,
		Collection:   collection,
		DeliveryTime: cfg.DeliveryTime,
		Faults:       pillar.Faults{TransferFailures: cfg.TransferFailures},
	}, n.messenger, pillar.NewFileStore(n.storage))
	if err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// servedCollection picks the collection the pillar serves.
func servedCollection(s *settings.Settings, cfg *Config) (string, error) {
	if cfg.Collection != "" {
		c, err := s.Collection(cfg.Collection)
		if err != nil {
			return "", err
		}

		if !c.HasPillar(cfg.PillarID) {
			return "", fmt.Errorf("pillar %s is not part of collection %s", cfg.PillarID, c.ID)
		}

		return c.ID, nil
	}

	for _, c := range s.Collections {
		if c.HasPillar(cfg.PillarID) {
			return c.ID, nil
		}
	}

	return "", fmt.Errorf("pillar %s is not part of any collection", cfg.PillarID)
}

// Run starts the pillar and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.pillar.Start(); err != nil {
		return fmt.Errorf("start pillar:\n%w", err)
	}

	if n.cfg.HTTPAddress != "" {
		n.api = api.New(n.cfg.HTTPAddress, n.pillar)
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	logger.Info("pillar running",
		"id", n.cfg.PillarID,
		"collection", n.pillar.Collection(),
		"data", n.cfg.DataPath,
		"http", n.cfg.HTTPAddress,
	)

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all pillar components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.pillar != nil {
		n.pillar.Stop()
	}

	if n.messenger != nil {
		n.messenger.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
