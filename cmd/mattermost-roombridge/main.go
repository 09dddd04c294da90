// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-roombridge links Matrix rooms to Mattermost channels.
// It runs as a Matrix application service, relays messages both ways
// through ghost users and puppet accounts, and exposes an admin room,
// provisioning endpoints and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mattermost-roombridge/pkg/connector"
	"github.com/aiku/mattermost-roombridge/pkg/connector/database"
)

const name = "mattermost-roombridge"

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "config.yaml", "path to the config file")
	noUpdate := flagSet.Bool("no-update", false, "don't write the upgraded config back to disk")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
		return nil
	}

	cfg, err := connector.LoadConfig(*configPath, !*noUpdate)
	if err != nil {
		return err
	}
	compiled, err := cfg.PostProcess()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = &log
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	store, err := database.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	mm := connector.NewMattermostClient(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, cfg.Mattermost.BotPrefix, log)
	if err := mm.Connect(ctx); err != nil {
		return err
	}
	defer mm.Close()

	local := connector.NewMatrixNetwork(as, cfg.Homeserver.PublicAddress, log)
	metrics := connector.NewMetrics()
	orch := connector.NewOrchestrator(connector.Params{
		Config:   cfg,
		Compiled: compiled,
		Store:    store,
		Remote:   mm,
		Local:    local,
		Clock:    clockwork.NewRealClock(),
		Metrics:  metrics,
		Log:      log,
	})
	defer orch.Stop()

	commands := connector.NewCommandProcessor(orch, local, log)
	handler := connector.NewMatrixHandler(orch, local, commands, cfg.Bridge.AdminRoom, log)
	ep := appservice.NewEventProcessor(as)
	handler.Register(ep)
	as.QueryHandler = connector.NewQueryHandler(orch)

	go as.Start()
	defer as.Stop()
	go ep.Start(ctx)
	defer ep.Stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	var server *http.Server
	if cfg.Provisioning.Listen != "" {
		api := connector.NewAPI(orch, local, metrics, cfg.Provisioning, log)
		server = &http.Server{
			Addr:         cfg.Provisioning.Listen,
			Handler:      api.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: time.Minute,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Provisioning.Listen).Msg("Starting bridge API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Bridge API error")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down bridge API")
		}
	}
	return nil
}
