// Command matcher runs the listing matching engine: a scheduled matching
// cycle plus the HTTP API for feedback, previews and listing search.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tdalverme/umbral/internal/config"
	httpapi "github.com/tdalverme/umbral/internal/http"
	"github.com/tdalverme/umbral/internal/logging"
	"github.com/tdalverme/umbral/internal/scheduler"
)

func main() {
	once := flag.Bool("once", false, "run a single matching cycle and exit")
	seedListings := flag.String("seed-listings", "", "JSON file of analyzed listings to upsert before starting")
	seedUsers := flag.String("seed-users", "", "JSON file of users to upsert before starting")
	engineConfig := flag.String("engine-config", "", "JSON file overriding the scoring engine settings")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Logger()
	mainLog := logging.Component("matcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, *engineConfig, log)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("wire application")
	}
	defer app.Close()

	if err := seed(ctx, app.store, *seedListings, *seedUsers, mainLog); err != nil {
		mainLog.Fatal().Err(err).Msg("seed data")
	}

	if *once {
		stats, err := app.runner.Run(ctx)
		if err != nil {
			mainLog.Error().Err(err).Msg("matching cycle failed")
			os.Exit(1)
		}
		if stats.Errors > 0 {
			os.Exit(1)
		}
		return
	}

	srv := httpapi.NewServer(app.runner, app.feedback, &httpapi.StoreListingsRepo{Store: app.store}, app.store, log)
	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := scheduler.NewTree(log, scheduler.DefaultTreeConfig())
	tree.AddAPIService(scheduler.NewHTTPService(httpServer, 10*time.Second))
	tree.AddJobService(scheduler.NewCycleService(app.runner, scheduler.CycleServiceConfig{
		Interval:     cfg.Schedule.Interval,
		RunOnStartup: cfg.Schedule.RunOnStartup,
	}, log))

	mainLog.Info().
		Str("address", cfg.Server.Address).
		Dur("interval", cfg.Schedule.Interval).
		Msg("matcher starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		mainLog.Error().Err(err).Msg("supervisor stopped")
		os.Exit(1)
	}
	mainLog.Info().Msg("matcher stopped")
}
