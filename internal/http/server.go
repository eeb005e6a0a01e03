// Package httpapi exposes the matcher over HTTP: feedback intake, dry-run
// matching, on-demand cycles, listing search and notification history.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/cycle"
	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/feedback"
	"github.com/tdalverme/umbral/internal/storage"
)

type Cycles interface {
	Run(ctx context.Context) (domain.CycleStats, error)
	Preview(ctx context.Context, userID string) ([]domain.MatchResult, error)
}

type FeedbackApplier interface {
	Apply(ctx context.Context, userID, listingID string, p domain.Polarity) (feedback.Result, error)
}

type History interface {
	NotificationHistory(ctx context.Context, userID string, limit int) ([]domain.SentNotification, error)
}

type Server struct {
	Cycles   Cycles
	Feedback FeedbackApplier
	Listings ListingsRepo
	History  History

	log      zerolog.Logger
	validate *validator.Validate
}

func NewServer(cycles Cycles, fb FeedbackApplier, listings ListingsRepo, history History, log zerolog.Logger) *Server {
	return &Server{
		Cycles:   cycles,
		Feedback: fb,
		Listings: listings,
		History:  history,
		log:      log.With().Str("component", "http").Logger(),
		validate: validator.New(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/feedback", s.handleFeedback)
	r.Post("/match", s.handleMatch)
	r.Post("/cycles", s.handleRunCycle)
	r.Get("/listings", s.handleListingsList)
	r.Get("/users/{id}/notifications", s.handleNotificationHistory)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type FeedbackRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	ListingID string `json:"listing_id" validate:"required"`
	Polarity  string `json:"polarity" validate:"required,oneof=like dislike"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := domain.ParsePolarity(req.Polarity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_polarity")
		return
	}

	res, err := s.Feedback.Apply(r.Context(), req.UserID, req.ListingID, p)
	if errors.Is(err, feedback.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("apply feedback")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type MatchRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type MatchView struct {
	ListingID       string   `json:"listing_id"`
	Title           string   `json:"title"`
	URL             string   `json:"url,omitempty"`
	Neighborhood    string   `json:"neighborhood,omitempty"`
	PriceUSD        float64  `json:"price_usd"`
	Rooms           int      `json:"rooms"`
	SimilarityScore float64  `json:"similarity_score"`
	WeightedScore   *float64 `json:"weighted_score,omitempty"`
	FinalScore      float64  `json:"final_score"`
}

type MatchResponse struct {
	Results []MatchView `json:"results"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !s.decode(w, r, &req) {
		return
	}

	results, err := s.Cycles.Preview(r.Context(), req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("preview matches")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	out := make([]MatchView, 0, len(results))
	for _, m := range results {
		out = append(out, MatchView{
			ListingID:       m.Listing.ID,
			Title:           m.Listing.Source.Title,
			URL:             m.Listing.Source.URL,
			Neighborhood:    m.Listing.Neighborhood,
			PriceUSD:        m.Listing.PriceUSD,
			Rooms:           m.Listing.Rooms,
			SimilarityScore: m.SimilarityScore,
			WeightedScore:   m.WeightedScore,
			FinalScore:      m.FinalScore,
		})
	}
	writeJSON(w, http.StatusOK, MatchResponse{Results: out})
}

// handleRunCycle runs a cycle synchronously. A client disconnect does not
// abort it.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Cycles.Run(context.WithoutCancel(r.Context()))
	if errors.Is(err, cycle.ErrCycleInProgress) {
		writeError(w, http.StatusConflict, "cycle_in_progress")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("on-demand cycle")
		writeError(w, http.StatusInternalServerError, "cycle_failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit, _ := parseLimitOffset(r, 20, 0)

	items, err := s.History.NotificationHistory(r.Context(), userID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("notification history")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if items == nil {
		items = []domain.SentNotification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "items": items})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed", "detail": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
