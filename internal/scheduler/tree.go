// Package scheduler runs the long-lived parts of the matcher under a suture
// supervisor tree: the periodic matching cycle and the HTTP server.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tdalverme/umbral/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree separates the API layer from background jobs so a crashing cycle
// service cannot take the HTTP server down with it.
type Tree struct {
	root *suture.Supervisor
	api  *suture.Supervisor
	jobs *suture.Supervisor
}

func NewTree(log zerolog.Logger, cfg TreeConfig) *Tree {
	d := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = d.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = d.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger(log.With().Str("component", "supervisor").Logger())}).MustHook()
	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = hook

	t := &Tree{
		root: suture.New("umbral", rootSpec),
		api:  suture.New("api-layer", spec),
		jobs: suture.New("jobs-layer", spec),
	}
	t.root.Add(t.api)
	t.root.Add(t.jobs)
	return t
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

func (t *Tree) AddJobService(svc suture.Service) suture.ServiceToken { return t.jobs.Add(svc) }

// Serve blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) ServeBackground(ctx context.Context) <-chan error { return t.root.ServeBackground(ctx) }
