// Package cycle runs the matching cycle: for every active user it retrieves
// candidates, drops already-notified listings, filters, scores, gates, enriches
// and dispatches notifications.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/enrich"
	"github.com/tdalverme/umbral/internal/matching"
	"github.com/tdalverme/umbral/internal/metrics"
	"github.com/tdalverme/umbral/internal/vecmath"
)

var ErrCycleInProgress = errors.New("cycle: a matching cycle is already running")

// ListingStore yields candidates for a user. Listings already sent to the
// user may be left out; the ledger check stays authoritative.
type ListingStore interface {
	Candidates(ctx context.Context, userID string, h domain.HardFilters, limit int) ([]domain.Listing, error)
}

// Ledger is the sent-notification history used for dedup.
type Ledger interface {
	WasNotified(ctx context.Context, userID, listingID string) (bool, error)
	RecordNotification(ctx context.Context, userID, listingID string, score float64) error
}

type UserStore interface {
	ActiveOnboardedUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	UpdatePreferenceVector(ctx context.Context, userID string, v []float64) error
}

type Notifier interface {
	Send(ctx context.Context, n domain.Notification) (bool, error)
}

type Explainer interface {
	Explain(ctx context.Context, u domain.User, l domain.Listing, similarity float64) (enrich.Rationale, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Config struct {
	SimilarityThreshold      float64
	PersonalizationThreshold float64
	MaxPerUser               int
	CandidateLimit           int
	Workers                  int
	Highlights               int
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:      0.85,
		PersonalizationThreshold: 0.80,
		MaxPerUser:               5,
		CandidateLimit:           50,
		Workers:                  4,
		Highlights:               3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.PersonalizationThreshold <= 0 || c.PersonalizationThreshold > 1 {
		c.PersonalizationThreshold = d.PersonalizationThreshold
	}
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = d.MaxPerUser
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Highlights <= 0 {
		c.Highlights = d.Highlights
	}
	return c
}

// Deps are the collaborators of a Runner. Explainer and Embedder are optional.
type Deps struct {
	Users     UserStore
	Listings  ListingStore
	Ledger    Ledger
	Notifier  Notifier
	Explainer Explainer
	Embedder  Embedder
}

type Runner struct {
	cfg    Config
	engine *matching.Engine
	deps   Deps
	log    zerolog.Logger

	running sync.Mutex
}

func NewRunner(cfg Config, engine *matching.Engine, deps Deps, log zerolog.Logger) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("cycle: engine required")
	}
	if deps.Users == nil || deps.Listings == nil || deps.Ledger == nil || deps.Notifier == nil {
		return nil, errors.New("cycle: users, listings, ledger and notifier are required")
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		engine: engine,
		deps:   deps,
		log:    log.With().Str("component", "cycle").Logger(),
	}, nil
}

func (r *Runner) Config() Config { return r.cfg }

// Run executes one matching cycle. Failing to enumerate users is fatal; any
// other failure is logged, counted in Errors and confined to its user.
func (r *Runner) Run(ctx context.Context) (domain.CycleStats, error) {
	if !r.running.TryLock() {
		metrics.CyclesTotal.WithLabelValues("busy").Inc()
		return domain.CycleStats{}, ErrCycleInProgress
	}
	defer r.running.Unlock()

	stats := domain.CycleStats{StartedAt: time.Now().UTC()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		metrics.CycleDuration.Observe(stats.Duration.Seconds())
	}()

	users, err := r.deps.Users.ActiveOnboardedUsers(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("fatal").Inc()
		metrics.CycleErrors.WithLabelValues("users").Inc()
		r.log.Error().Err(err).Msg("cannot enumerate active users")
		return stats, fmt.Errorf("enumerate users: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, u := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			us := r.safeProcessUser(gctx, u)
			mu.Lock()
			stats.UsersProcessed++
			stats.MatchesFound += us.MatchesFound
			stats.NotificationsSent += us.NotificationsSent
			stats.Errors += us.Errors
			stats.Enriched += us.Enriched
			stats.DeliveryFailures += us.DeliveryFailures
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	metrics.UsersProcessed.Add(float64(stats.UsersProcessed))
	metrics.MatchesFound.Add(float64(stats.MatchesFound))
	result := "ok"
	if stats.Errors > 0 {
		result = "errors"
	}
	metrics.CyclesTotal.WithLabelValues(result).Inc()

	r.log.Info().
		Int("users_processed", stats.UsersProcessed).
		Int("matches_found", stats.MatchesFound).
		Int("notifications_sent", stats.NotificationsSent).
		Int("errors", stats.Errors).
		Int("enriched", stats.Enriched).
		Dur("duration", time.Since(stats.StartedAt)).
		Msg("matching cycle finished")
	return stats, ctx.Err()
}

// Preview ranks a user's fresh candidates without enrichment, dispatch or
// recording.
func (r *Runner) Preview(ctx context.Context, userID string) ([]domain.MatchResult, error) {
	u, err := r.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.selectMatches(ctx, u, r.log.With().Str("user_id", u.ID).Logger())
}

// safeProcessUser turns a panic in one user's processing into a counted error.
func (r *Runner) safeProcessUser(ctx context.Context, u domain.User) (st domain.CycleStats) {
	defer func() {
		if p := recover(); p != nil {
			st = domain.CycleStats{Errors: 1}
			metrics.CycleErrors.WithLabelValues("panic").Inc()
			r.log.Error().
				Str("user_id", u.ID).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("user processing panicked")
		}
	}()
	return r.processUser(ctx, u)
}

func (r *Runner) processUser(ctx context.Context, u domain.User) domain.CycleStats {
	var st domain.CycleStats
	log := r.log.With().Str("user_id", u.ID).Logger()

	u = r.seedPreference(ctx, u, log)

	selected, err := r.selectMatches(ctx, u, log)
	if err != nil {
		st.Errors++
		metrics.CycleErrors.WithLabelValues("candidates").Inc()
		log.Error().Err(err).Msg("user processing failed")
		return st
	}
	st.MatchesFound = len(selected)

	for _, m := range selected {
		if ctx.Err() != nil {
			return st
		}
		var enriched bool
		m, enriched = r.enrich(ctx, u, m, log)
		if enriched {
			st.Enriched++
		}

		ok, err := r.deps.Notifier.Send(ctx, r.notification(u, m))
		if err != nil || !ok {
			st.DeliveryFailures++
			metrics.NotificationsSent.WithLabelValues("failed").Inc()
			if err != nil {
				st.Errors++
				metrics.CycleErrors.WithLabelValues("dispatch").Inc()
			}
			log.Warn().Err(err).Str("listing_id", m.Listing.ID).Msg("notification not delivered")
			continue
		}
		metrics.NotificationsSent.WithLabelValues("sent").Inc()
		st.NotificationsSent++

		if err := r.deps.Ledger.RecordNotification(ctx, u.ID, m.Listing.ID, m.FinalScore); err != nil {
			st.Errors++
			metrics.CycleErrors.WithLabelValues("record").Inc()
			log.Error().Err(err).Str("listing_id", m.Listing.ID).Msg("delivered notification not recorded")
		}
	}
	return st
}

// selectMatches covers candidate retrieval, dedup, hard filter, scoring,
// threshold and cap.
func (r *Runner) selectMatches(ctx context.Context, u domain.User, log zerolog.Logger) ([]domain.MatchResult, error) {
	cands, err := r.deps.Listings.Candidates(ctx, u.ID, u.Hard, r.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}

	admitted := make([]domain.Listing, 0, len(cands))
	for _, l := range cands {
		sent, err := r.deps.Ledger.WasNotified(ctx, u.ID, l.ID)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if sent {
			continue
		}
		v := r.engine.Admit(u.Hard, l)
		if !v.Admitted {
			metrics.HardFilterRejections.WithLabelValues(string(v.Reason)).Inc()
			log.Debug().Str("listing_id", l.ID).Str("reason", string(v.Reason)).Msg("listing rejected")
			continue
		}
		admitted = append(admitted, l)
	}

	ranked := r.engine.Rank(u, admitted)
	out := make([]domain.MatchResult, 0, r.cfg.MaxPerUser)
	for _, m := range ranked {
		if m.FinalScore < r.cfg.SimilarityThreshold {
			// ranked descending, nothing below passes either
			break
		}
		out = append(out, m)
		if len(out) == r.cfg.MaxPerUser {
			break
		}
	}
	return out, nil
}

// seedPreference derives a missing preference vector from the user's ideal
// description. Failures leave the user on the neutral path.
func (r *Runner) seedPreference(ctx context.Context, u domain.User, log zerolog.Logger) domain.User {
	if len(u.PreferenceVector) > 0 || u.Soft.IdealDescription == "" || r.deps.Embedder == nil {
		return u
	}
	v, err := r.deps.Embedder.Embed(ctx, u.Soft.IdealDescription)
	if err != nil {
		log.Warn().Err(err).Msg("preference seeding failed")
		return u
	}
	dims := r.engine.Config().Dimensions
	if !vecmath.Usable(v) || (dims > 0 && len(v) != dims) {
		log.Warn().Int("len", len(v)).Int("dimensions", dims).Msg("seeded preference vector unusable")
		return u
	}
	if err := r.deps.Users.UpdatePreferenceVector(ctx, u.ID, v); err != nil {
		log.Warn().Err(err).Msg("seeded preference vector not persisted")
	}
	u.PreferenceVector = v
	return u
}

// enrich attaches a rationale when the raw similarity clears the
// personalization threshold. It reports whether the provider produced it.
func (r *Runner) enrich(ctx context.Context, u domain.User, m domain.MatchResult, log zerolog.Logger) (domain.MatchResult, bool) {
	if r.deps.Explainer == nil || m.SimilarityScore <= r.cfg.PersonalizationThreshold {
		metrics.EnrichmentTotal.WithLabelValues("skipped").Inc()
		return m, false
	}
	rat, err := r.deps.Explainer.Explain(ctx, u, m.Listing, m.SimilarityScore)
	ok := err == nil
	if err != nil {
		metrics.EnrichmentTotal.WithLabelValues("fallback").Inc()
		log.Warn().Err(err).Str("listing_id", m.Listing.ID).Msg("rationale fallback")
		rat = enrich.Fallback()
	} else {
		metrics.EnrichmentTotal.WithLabelValues("ok").Inc()
	}
	m.Rationale = rat.Text()
	m.Personalized = true
	return m, ok
}

func (r *Runner) notification(u domain.User, m domain.MatchResult) domain.Notification {
	l := m.Listing
	summary := l.Summary
	if summary == "" {
		summary = l.Source.Description
	}
	return domain.Notification{
		UserID:     u.ID,
		ChatID:     u.ChatID,
		ListingID:  l.ID,
		Title:      l.Source.Title,
		URL:        l.Source.URL,
		Summary:    summary,
		PriceText:  enrich.PriceText(l),
		Rooms:      l.Rooms,
		Area:       l.Neighborhood,
		Score:      m.FinalScore,
		Rationale:  m.Rationale,
		Highlights: matching.Highlights(l.Scores, u.Soft, r.cfg.Highlights),
		Tags:       l.StyleTags,
	}
}
