package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"polychat/internal/auth"
	"polychat/internal/config"
	"polychat/internal/dispatch"
	"polychat/internal/eventbus"
	"polychat/internal/models"
	"polychat/internal/provider"
	providerfactory "polychat/internal/provider/factory"
	"polychat/internal/server"
	"polychat/internal/session"
	"polychat/internal/store/sqlite"
)

const serveUsage = `Usage:
  polychat serve [--config <path>] [--port <port>] [--db <path>]

Without --config the server is configured from the environment (OPENAI_API_KEY,
ANTHROPIC_API_KEY, JWT_SECRET, ...). A .env file in the working directory is loaded first.

Flags:
  --config     string   Path to YAML configuration file
  --port       int      Override server port from configuration
  --db         string   Override the SQLite database path
  --log-level  string   debug, info, warn or error (default info)
  --log-format string   text or json (default text)`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, dbPath, logLevel, logFormat string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.StringVar(&dbPath, "db", "", "override database path")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
	fs.StringVar(&logFormat, "log-format", "text", "log format")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}

	authz, err := auth.NewAuthorizer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth.jwt_secret (or JWT_SECRET) is required: %w", err)
	}

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}

	bus := eventbus.New()

	creds := sqlite.NewResolver(store, cfg.UniversalKey, fallbackKeys(cfg))
	dispatcher := dispatch.New(registry, creds, dispatch.Options{
		Timeout:      cfg.Dispatch.ProviderTimeout,
		HistoryLimit: cfg.Dispatch.HistoryLimit,
		Logger:       logger,
		Bus:          bus,
	})
	sessions := session.NewManager(session.Options{
		Loader: store,
		Bus:    bus,
		NewID:  dispatch.NewID,
		Logger: logger,
	})
	persister := session.NewPersister(bus, store, logger)

	srv, err := server.New(cfg, server.Deps{
		Registry:   registry,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Store:      store,
		Auth:       authz,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	return runServices(ctx, srv, persister, bus)
}

type service interface {
	Run(ctx context.Context) error
}

// runServices runs srv until ctx is done. The persister is not bound to ctx: it keeps
// saving the snapshots published while srv shuts down and returns once bus is closed
// and drained, which happens after srv.Run returns.
func runServices(ctx context.Context, srv, persister service, bus *eventbus.Bus) error {
	var g errgroup.Group
	g.Go(func() error { return persister.Run(context.WithoutCancel(ctx)) })
	g.Go(func() error {
		defer bus.Close()
		return srv.Run(ctx)
	})
	return g.Wait()
}

// fallbackKeys collects the operator keys from configuration. They are used when a user
// has stored no key of their own.
func fallbackKeys(cfg config.Config) map[models.Vendor]string {
	out := make(map[models.Vendor]string, len(models.Vendors))
	for _, vendor := range models.Vendors {
		if pc, ok := cfg.VendorConfig(vendor); ok && pc.APIKey != "" {
			out[vendor] = pc.APIKey
		}
	}
	return out
}
