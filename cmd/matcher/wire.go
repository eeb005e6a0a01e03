package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/cache"
	"github.com/tdalverme/umbral/internal/config"
	"github.com/tdalverme/umbral/internal/cycle"
	"github.com/tdalverme/umbral/internal/enrich"
	"github.com/tdalverme/umbral/internal/feedback"
	"github.com/tdalverme/umbral/internal/llm"
	"github.com/tdalverme/umbral/internal/matching"
	"github.com/tdalverme/umbral/internal/notifier"
	"github.com/tdalverme/umbral/internal/retry"
	"github.com/tdalverme/umbral/internal/storage"
)

type app struct {
	store    *storage.Store
	cache    *cache.Notified
	runner   *cycle.Runner
	feedback *feedback.Service
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	_ = a.store.Close()
}

func build(ctx context.Context, cfg *config.Config, engineConfigPath string, log zerolog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a := &app{store: store}

	var ledger cycle.Ledger = store
	if cfg.Redis.Enabled {
		c, err := cache.New(cache.Config{Addr: cfg.Redis.Addr, TTL: cfg.Redis.TTL}, store, log)
		if err != nil {
			// The ledger alone is enough to run.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, dedup served from database")
		} else {
			a.cache = c
			ledger = c
		}
	}

	tg, err := notifier.NewTelegram(notifier.Config{
		BotToken:          cfg.Telegram.BotToken,
		BaseURL:           cfg.Telegram.BaseURL,
		RequestsPerSecond: cfg.Telegram.RequestsPerSecond,
		Retry:             retry.Default(),
	}, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	engineCfg := matching.Config{
		SimilarityWeight: cfg.Matching.SimilarityWeight,
		LearningRate:     cfg.Matching.LearningRate,
		Dimensions:       cfg.Matching.EmbeddingDimensions,
		Rates:            matching.ExchangeRates{ARSPerUSD: cfg.Matching.ARSToUSDRate},
	}
	if engineConfigPath != "" {
		fileCfg, err := matching.LoadConfigFromFile(engineConfigPath)
		if err != nil {
			log.Warn().Err(err).Str("path", engineConfigPath).Msg("engine config file ignored")
		} else {
			engineCfg = fileCfg
		}
	}
	engine := matching.NewEngine(engineCfg)

	deps := cycle.Deps{
		Users:    store,
		Listings: store,
		Ledger:   ledger,
		Notifier: tg,
	}
	if cfg.LLM.Enabled() {
		policy := retry.Default()
		policy.MaxAttempts = cfg.LLM.MaxAttempts
		client, err := llm.New(llm.Config{
			BaseURL:           cfg.LLM.BaseURL,
			APIKey:            cfg.LLM.APIKey,
			Model:             cfg.LLM.Model,
			EmbedModel:        cfg.LLM.EmbedModel,
			Timeout:           cfg.LLM.Timeout,
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
			Retry:             policy,
		}, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Explainer = enrich.NewGenerator(client, enrich.DefaultConfig(), log)
		deps.Embedder = client
	} else {
		log.Info().Msg("llm disabled, notifications carry the generic rationale")
	}

	a.runner, err = cycle.NewRunner(cycle.Config{
		SimilarityThreshold:      cfg.Matching.SimilarityThreshold,
		PersonalizationThreshold: cfg.Matching.PersonalizationThreshold,
		MaxPerUser:               cfg.Matching.MaxPerUser,
		CandidateLimit:           cfg.Matching.CandidateLimit,
		Workers:                  cfg.Matching.Workers,
	}, engine, deps, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.feedback = feedback.NewService(store, store, matching.NewLearner(engineCfg.LearningRate), storage.ErrNotFound, log)
	return a, nil
}

// seed upserts fixture files. Either path may be empty.
func seed(ctx context.Context, store *storage.Store, listingsPath, usersPath string, log zerolog.Logger) error {
	if listingsPath != "" {
		items, err := storage.LoadListingsFromFile(listingsPath)
		if err != nil {
			return err
		}
		if err := store.UpsertListings(ctx, items); err != nil {
			return err
		}
		log.Info().Int("count", len(items)).Str("path", listingsPath).Msg("listings seeded")
	}
	if usersPath != "" {
		users, err := storage.LoadUsersFromFile(usersPath)
		if err != nil {
			return err
		}
		for _, u := range users {
			if _, err := store.UpsertUser(ctx, u); err != nil {
				return err
			}
		}
		log.Info().Int("count", len(users)).Str("path", usersPath).Msg("users seeded")
	}
	return nil
}
