package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"bitrepo/client"
	"bitrepo/internal/audit"
	"bitrepo/internal/conversation"
	"bitrepo/internal/logger"
	"bitrepo/internal/security"
	"bitrepo/internal/settings"
)

func main() {
	logger.InitTo(os.Stderr)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	s, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return err
	}

	if cfg.Collection == "" {
		if len(s.Collections) == 0 {
			return fmt.Errorf("no collection configured")
		}
		cfg.Collection = s.Collections[0].ID
	}

	cfg.PrivateKey, err = security.LoadOrGenerateIdentity(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, trail, err := connect(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer c.Close()

	if trail != nil {
		defer trail.Close()
	}

	return execute(ctx, cfg, c, os.Stdout)
}

// connect dials the bus and creates the client.
func connect(ctx context.Context, cfg *Config, s *settings.Settings) (*client.Client, *audit.Trail, error) {
	transport, err := s.Bus.Connect(ctx, s.ClientID, cfg.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	opts := client.Options{
		Settings:  s,
		Transport: transport,
		Events:    printer(os.Stderr, cfg.JSON),
	}

	if s.Security.Sign {
		opts.Key, err = security.DeriveFromED25519(cfg.PrivateKey)
		if err != nil {
			transport.Close()
			return nil, nil, fmt.Errorf("derive signing key:\n%w", err)
		}
	}

	if cfg.AuditPath != "" {
		opts.Audit, err = audit.Open(cfg.AuditPath)
		if err != nil {
			transport.Close()
			return nil, nil, err
		}
	}

	c, err := client.New(opts)
	if err != nil {
		transport.Close()
		if opts.Audit != nil {
			opts.Audit.Close()
		}
		return nil, nil, err
	}

	return c, opts.Audit, nil
}

// execute runs the configured command and writes its result to out.
func execute(ctx context.Context, cfg *Config, c *client.Client, out io.Writer) error {
	existing, err := hex.DecodeString(cfg.Existing)
	if err != nil {
		return fmt.Errorf("invalid -existing checksum:\n%w", err)
	}

	var rep *client.Report

	switch cfg.Command {
	case "put":
		data, err := os.ReadFile(cfg.InputPath)
		if err != nil {
			return fmt.Errorf("read input:\n%w", err)
		}

		rep, err = c.PutFile(ctx, cfg.Collection, cfg.FileID, data)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "stored %s (%s) on %d pillars\n", cfg.FileID, hex.EncodeToString(client.Checksum(data)), len(rep.Results))

	case "get":
		data, _, err := c.GetFile(ctx, cfg.Collection, cfg.FileID)
		if err != nil {
			return err
		}

		if cfg.OutputPath == "" {
			_, err = out.Write(data)
			return err
		}

		return os.WriteFile(cfg.OutputPath, data, 0o644)

	case "delete":
		if _, err := c.DeleteFile(ctx, cfg.Collection, cfg.FileID, cfg.PillarID, existing); err != nil {
			return err
		}

		fmt.Fprintf(out, "deleted %s from %s\n", cfg.FileID, cfg.PillarID)

	case "replace":
		data, err := os.ReadFile(cfg.InputPath)
		if err != nil {
			return fmt.Errorf("read input:\n%w", err)
		}

		if _, err := c.ReplaceFile(ctx, cfg.Collection, cfg.FileID, cfg.PillarID, data, existing); err != nil {
			return err
		}

		fmt.Fprintf(out, "replaced %s on %s\n", cfg.FileID, cfg.PillarID)

	case "ids":
		rep, err = c.GetFileIDs(ctx, cfg.Collection, cfg.FileID)
		if err != nil {
			return err
		}

		ids := rep.FileIDs()
		for _, pillarID := range slices.Sorted(maps.Keys(ids)) {
			for _, id := range ids[pillarID] {
				fmt.Fprintf(out, "%s\t%s\n", pillarID, id)
			}
		}

	case "checksums":
		rep, err = c.GetChecksums(ctx, cfg.Collection, cfg.FileID)
		if err != nil {
			return err
		}

		sums := rep.Checksums()
		for _, pillarID := range slices.Sorted(maps.Keys(sums)) {
			for _, fc := range sums[pillarID] {
				fmt.Fprintf(out, "%s\t%s\t%s\n", pillarID, fc.FileID, hex.EncodeToString(fc.Checksum))
			}
		}
	}

	return nil
}

// printer returns a sink writing one line per event to w.
func printer(w io.Writer, asJSON bool) conversation.Sink {
	enc := json.NewEncoder(w)

	return conversation.SinkFunc(func(e conversation.OperationEvent) {
		if asJSON {
			enc.Encode(e)
			return
		}

		line := e.Timestamp.Format("15:04:05.000") + " " + e.Type.String()
		if e.PillarID != "" {
			line += " " + e.PillarID
		}
		if e.Info != "" {
			line += " " + e.Info
		}

		fmt.Fprintln(w, line)
	})
}
