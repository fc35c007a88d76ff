package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autoirida/internal/api"
	"github.com/mattjoyce/autoirida/internal/config"
	"github.com/mattjoyce/autoirida/internal/discovery"
	"github.com/mattjoyce/autoirida/internal/events"
	"github.com/mattjoyce/autoirida/internal/exclusion"
	"github.com/mattjoyce/autoirida/internal/irida"
	"github.com/mattjoyce/autoirida/internal/lock"
	"github.com/mattjoyce/autoirida/internal/log"
	"github.com/mattjoyce/autoirida/internal/orchestrator"
	"github.com/mattjoyce/autoirida/internal/state"
	"github.com/mattjoyce/autoirida/internal/storage"
)

// runDaemon runs the upload loop until SIGINT/SIGTERM or the command
// context is cancelled.
func runDaemon(cmd *cobra.Command, opts *cliOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	log.SetupWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("autoirida starting", "version", version, "config", opts.configPath)

	p, err := selectParser(cfg)
	if err != nil {
		return err
	}
	var scanOpts []discovery.Option
	if cfg.RunIDPattern != "" {
		re, err := regexp.Compile(cfg.RunIDPattern)
		if err != nil {
			return fmt.Errorf("%w: run_id_pattern: %w", config.ErrConfig, err)
		}
		scanOpts = append(scanOpts, discovery.WithIDPattern(re))
	}

	excluded := exclusion.Loader{Path: cfg.ExcludedRunsList, Logger: log.WithComponent("exclusion")}
	initial, err := excluded.Load()
	if err != nil {
		return err
	}
	logger.Info("exclusion list loaded", "path", cfg.ExcludedRunsList, "count", initial.Len())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instance, err := lock.Acquire(lock.PathFor(cfg.StateDBPath))
	if err != nil {
		return err
	}
	logger.Debug("instance lock acquired", "path", instance.Path())
	defer func() {
		if err := instance.Release(); err != nil {
			logger.Warn("failed to release instance lock", "path", instance.Path(), "error", err)
		}
	}()

	db, err := storage.OpenSQLite(ctx, cfg.StateDBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.StateDBPath, "error", err)
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.StateDBPath)

	store := state.NewStore(db, state.WithMaxAttempts(cfg.MaxUploadAttempts))
	client, err := irida.New(irida.Config{
		BaseURL:      cfg.IridaBaseURL,
		Username:     cfg.IridaUsername,
		Password:     cfg.IridaPassword,
		ClientID:     cfg.IridaClientID,
		ClientSecret: cfg.IridaClientSecret,
		HTTPTimeout:  cfg.HTTPTimeout(),
	}, irida.WithLogger(log.Get()))
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfig, err)
	}

	hub := events.NewHub(256)
	orch := orchestrator.New(
		orchestrator.Config{
			RunsDir:          cfg.RunsToUploadDir,
			ScanInterval:     cfg.ScanInterval(),
			CompletionMarker: cfg.CompletionMarkerEnabled(),
		},
		discovery.New(p, log.Get(), scanOpts...),
		excluded,
		store,
		client,
		orchestrator.WithEvents(hub),
		orchestrator.WithLogger(log.Get()),
	)

	var wg sync.WaitGroup
	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, store, orch, hub, log.Get())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				apiErr <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- orch.Run(ctx) }()

	logger.Info("autoirida running (press Ctrl+C to stop)", "runs_dir", cfg.RunsToUploadDir, "parser", p.Name())

	var runErr error
	select {
	case runErr = <-loopDone:
		if runErr != nil {
			logger.Error("upload loop failed", "error", runErr)
		}
	case runErr = <-apiErr:
		logger.Error("component failed", "error", runErr)
		stop()
		<-loopDone
	}
	stop()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	logger.Info("autoirida stopped")
	return nil
}

// openStore opens the state database for the operator commands. They do not
// take the instance lock so they work alongside a running daemon.
func openStore(ctx context.Context, cfg *config.Config) (*state.Store, func(), error) {
	if _, err := os.Stat(cfg.StateDBPath); err != nil {
		return nil, nil, fmt.Errorf("state database %s: %w", cfg.StateDBPath, err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.StateDBPath)
	if err != nil {
		return nil, nil, err
	}
	return state.NewStore(db, state.WithMaxAttempts(cfg.MaxUploadAttempts)), func() { _ = db.Close() }, nil
}
