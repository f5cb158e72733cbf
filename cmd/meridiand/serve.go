package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ionforge/meridian/internal/alerts"
	"github.com/ionforge/meridian/internal/api"
	"github.com/ionforge/meridian/internal/config"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/metrics"
	"github.com/ionforge/meridian/internal/migration"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/monitoring"
	"github.com/ionforge/meridian/internal/network"
	"github.com/ionforge/meridian/internal/sshdriver/knownhosts"
	"github.com/ionforge/meridian/internal/storage"
	"github.com/ionforge/meridian/internal/vmrouter"
)

const shutdownTimeout = 30 * time.Second

// runServe loads configuration, wires every coordinator together, and
// serves the API and metrics listeners until a termination signal arrives.
// Modeled on cmd/pulse/main.go's runServer: load config, build the
// collaborator graph, start listeners in goroutines, block on a
// signal-handling loop, shut everything down gracefully.
func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogging(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	hub := api.NewHub()
	m := metrics.New(Version)

	fleetHooks := combineFleetHooks(hub.FleetHooks(), m.FleetHooks())
	alertHooks := combineAlertHooks(hub.AlertHooks(), m.AlertHooks())

	knownHostsPath := filepath.Join(cfg.DataDir, "known_hosts")
	knownHosts := knownhosts.NewManager(knownHostsPath)

	fleetRegistry, err := fleet.New(cfg.DataDir, knownHosts, fleetHooks)
	if err != nil {
		return fmt.Errorf("init fleet registry: %w", err)
	}
	router, err := vmrouter.New(cfg.DataDir, fleetRegistry)
	if err != nil {
		return fmt.Errorf("init vm router: %w", err)
	}
	storageCoord, err := storage.New(cfg.DataDir, fleetRegistry)
	if err != nil {
		return fmt.Errorf("init storage coordinator: %w", err)
	}
	networkCoord, err := network.New(cfg.DataDir, fleetRegistry, router)
	if err != nil {
		return fmt.Errorf("init network coordinator: %w", err)
	}
	alertMgr, err := alerts.New(cfg.DataDir, alertHooks)
	if err != nil {
		return fmt.Errorf("init alert manager: %w", err)
	}
	alertMgr.SetSuppressionRules(cfg.SuppressedResourceIDs)
	migrations := migration.New(fleetRegistry, router)
	monitor, err := monitoring.New(cfg.DataDir, fleetRegistry, router, storageCoord, networkCoord, alertMgr, cfg.Monitoring)
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(c *config.Config) {
		monitor.UpdateConfig(c.Monitoring)
		alertMgr.SetSuppressionRules(c.SuppressedResourceIDs)
		log.Info().Msg("configuration reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watcher disabled")
	} else {
		defer watcher.Close()
	}

	srv := api.New(fleetRegistry, router, migrations, networkCoord, storageCoord, alertMgr, monitor, m, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	defer monitor.Stop()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := m.Start(cfg.MetricsAddr); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown error")
	}
	m.Shutdown(shutdownCtx)

	return nil
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// combineFleetHooks fans a single fleet event out to every listener whose
// hook is non-nil, the same "hub and metrics both react to one event"
// pattern used throughout internal/api and internal/metrics.
func combineFleetHooks(hooks ...fleet.Hooks) fleet.Hooks {
	return fleet.Hooks{
		OnProbe: func(hostID string, online bool, latency time.Duration) {
			for _, h := range hooks {
				if h.OnProbe != nil {
					h.OnProbe(hostID, online, latency)
				}
			}
		},
	}
}

func combineAlertHooks(hooks ...alerts.Hooks) alerts.Hooks {
	return alerts.Hooks{
		OnFired: func(a *models.Alert) {
			for _, h := range hooks {
				if h.OnFired != nil {
					h.OnFired(a)
				}
			}
		},
		OnResolved: func(a *models.Alert) {
			for _, h := range hooks {
				if h.OnResolved != nil {
					h.OnResolved(a)
				}
			}
		},
	}
}
