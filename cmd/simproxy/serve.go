package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/simproxy/internal/api"
	"github.com/seantiz/simproxy/internal/config"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/proxy"
	"github.com/seantiz/simproxy/internal/session"
	"github.com/seantiz/simproxy/internal/store"
)

const (
	defaultListenAddr = ":8080"
	cleanupTimeout    = 30 * time.Second
)

func runServe(cfg config.Config, args []string, logger *slog.Logger) error {
	logger = orDiscard(logger)

	listen := cfg.ListenAddr
	if listen == "" {
		listen = defaultListenAddr
	}

	fs := newFlagSet("serve", os.Stderr)
	fs.StringVar(&listen, "listen", listen, "admin HTTP address")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite call journal path (empty disables)")
	fs.StringVar(&cfg.Deployer, "deployer", cfg.Deployer, "default deployer for new sessions")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "default engine for new sessions")
	fs.StringVar(&cfg.WorkerPath, "worker", cfg.WorkerPath, "worker binary or rootfs image")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scfg, err := session.LoadConfig()
	if err != nil {
		return err
	}

	logger.Info("simproxy: starting",
		"listen_addr", listen,
		"journal_path", cfg.JournalPath,
		"deployer", cfg.Deployer,
		"engine", cfg.Engine,
	)

	var (
		st      store.Store
		journal session.Journal
	)
	if cfg.JournalPath != "" {
		db, err := store.NewSQLiteStore(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		st, journal = db, db
	}

	broker := events.NewBroker()
	reg, cleanup, err := deployers(cfg.Deployer, scfg.LaunchTimeout, broker, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		cleanup(ctx)
	}()

	artifact := launch.Artifact{Path: cfg.WorkerPath, Engine: cfg.Engine}
	mgr := proxy.NewManager(scfg, artifact, reg, journal, broker, logger)

	return api.NewServer(listen, st, mgr, logger).Run()
}
