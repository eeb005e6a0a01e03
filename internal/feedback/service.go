// Package feedback applies like/dislike reactions: it moves the user's
// preference vector and keeps the feedback ledger and counters current.
package feedback

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/matching"
	"github.com/tdalverme/umbral/internal/metrics"
)

var ErrNotFound = errors.New("feedback: user or listing not found")

type UserStore interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	UpdatePreferenceVector(ctx context.Context, userID string, v []float64) error
	RecordFeedback(ctx context.Context, userID, listingID string, p domain.Polarity) error
}

type ListingStore interface {
	GetListing(ctx context.Context, id string) (domain.Listing, error)
}

type Result struct {
	UserID    string           `json:"user_id"`
	ListingID string           `json:"listing_id"`
	Polarity  domain.Polarity  `json:"polarity"`
	Outcome   matching.Outcome `json:"outcome"`
	Vector    []float64        `json:"-"`
}

type Service struct {
	users    UserStore
	listings ListingStore
	learner  matching.Learner
	notFound error
	log      zerolog.Logger
}

// NewService wires the stores. notFound is the stores' missing-row sentinel;
// it is translated to ErrNotFound.
func NewService(users UserStore, listings ListingStore, learner matching.Learner, notFound error, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		listings: listings,
		learner:  learner,
		notFound: notFound,
		log:      log.With().Str("component", "feedback").Logger(),
	}
}

func (s *Service) Apply(ctx context.Context, userID, listingID string, p domain.Polarity) (Result, error) {
	res := Result{UserID: userID, ListingID: listingID, Polarity: p}
	if !p.Valid() {
		res.Outcome = matching.OutcomeInvalidPolarity
		return res, fmt.Errorf("apply feedback: invalid polarity %q", p)
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return res, s.wrap("load user", err)
	}
	l, err := s.listings.GetListing(ctx, listingID)
	if err != nil {
		return res, s.wrap("load listing", err)
	}

	log := s.log.With().Str("user_id", userID).Str("listing_id", listingID).Str("polarity", string(p)).Logger()

	vec, outcome := s.learner.Update(u.PreferenceVector, l.MatchVector(), p)
	res.Outcome = outcome
	switch {
	case outcome.Changed():
		if err := s.users.UpdatePreferenceVector(ctx, userID, vec); err != nil {
			return res, s.wrap("persist preference vector", err)
		}
		res.Vector = vec
	case outcome == matching.OutcomeDimensionMismatch:
		log.Warn().Int("user_len", len(u.PreferenceVector)).Int("listing_len", len(l.MatchVector())).
			Msg("preference vector dimension mismatch, update skipped")
	default:
		log.Debug().Str("outcome", string(outcome)).Msg("preference vector unchanged")
	}

	if err := s.users.RecordFeedback(ctx, userID, listingID, p); err != nil {
		return res, s.wrap("record feedback", err)
	}

	metrics.FeedbackEvents.WithLabelValues(string(p), string(outcome)).Inc()
	log.Info().Str("outcome", string(outcome)).Msg("feedback applied")
	return res, nil
}

func (s *Service) wrap(op string, err error) error {
	if s.notFound != nil && errors.Is(err, s.notFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
