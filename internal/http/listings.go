package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/storage"
)

type ListParams struct {
	OperationType domain.OperationType
	Neighborhoods []string
	MinPrice      *float64
	MaxPrice      *float64
	MinRooms      *int
	MaxRooms      *int
	Limit         int
	Offset        int
}

type ListingSummary struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	URL           string               `json:"url,omitempty"`
	OperationType domain.OperationType `json:"operation_type"`
	Neighborhood  string               `json:"neighborhood"`
	PriceUSD      float64              `json:"price_usd"`
	Rooms         int                  `json:"rooms"`
	Analyzed      bool                 `json:"analyzed"`
	StyleTags     []string             `json:"style_tags,omitempty"`
}

type ListingsListResponse struct {
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Total  int              `json:"total"`
	Items  []ListingSummary `json:"items"`
}

type ListingsRepo interface {
	List(ctx context.Context, p ListParams) ([]ListingSummary, int, error)
}

// StoreListingsRepo serves listing search from the SQL store.
type StoreListingsRepo struct {
	Store *storage.Store
}

func (r *StoreListingsRepo) List(ctx context.Context, p ListParams) ([]ListingSummary, int, error) {
	items, total, err := r.Store.SearchListings(ctx, storage.ListingFilter{
		OperationType: p.OperationType,
		Neighborhoods: p.Neighborhoods,
		MinPriceUSD:   p.MinPrice,
		MaxPriceUSD:   p.MaxPrice,
		MinRooms:      p.MinRooms,
		MaxRooms:      p.MaxRooms,
		Limit:         p.Limit,
		Offset:        p.Offset,
	})
	if err != nil {
		return nil, 0, err
	}

	out := make([]ListingSummary, 0, len(items))
	for _, l := range items {
		out = append(out, ListingSummary{
			ID:            l.ID,
			Title:         l.Source.Title,
			URL:           l.Source.URL,
			OperationType: l.Source.OperationType,
			Neighborhood:  l.Neighborhood,
			PriceUSD:      l.PriceUSD,
			Rooms:         l.Rooms,
			Analyzed:      l.Scores != nil || len(l.MatchVector()) > 0,
			StyleTags:     l.StyleTags,
		})
	}
	return out, total, nil
}

func (s *Server) handleListingsList(w http.ResponseWriter, r *http.Request) {
	p, ok := parseListParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_query")
		return
	}

	items, total, err := s.Listings.List(r.Context(), p)
	if err != nil {
		s.log.Error().Err(err).Msg("list listings")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, ListingsListResponse{
		Limit:  p.Limit,
		Offset: p.Offset,
		Total:  total,
		Items:  items,
	})
}

func parseListParams(r *http.Request) (ListParams, bool) {
	q := r.URL.Query()
	var p ListParams
	p.Limit, p.Offset = parseLimitOffset(r, 20, 0)

	switch op := domain.OperationType(strings.ToLower(q.Get("operation_type"))); op {
	case "", domain.OperationRent, domain.OperationSale:
		p.OperationType = op
	default:
		return p, false
	}

	for _, v := range q["neighborhood"] {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				p.Neighborhoods = append(p.Neighborhoods, n)
			}
		}
	}

	var ok bool
	if p.MinPrice, ok = optFloat(q.Get("min_price")); !ok {
		return p, false
	}
	if p.MaxPrice, ok = optFloat(q.Get("max_price")); !ok {
		return p, false
	}
	if p.MinRooms, ok = optInt(q.Get("min_rooms")); !ok {
		return p, false
	}
	if p.MaxRooms, ok = optInt(q.Get("max_rooms")); !ok {
		return p, false
	}
	return p, true
}

func optFloat(v string) (*float64, bool) {
	if v == "" {
		return nil, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return nil, false
	}
	return &f, true
}

func optInt(v string) (*int, bool) {
	if v == "" {
		return nil, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, false
	}
	return &n, true
}

func parseLimitOffset(r *http.Request, defLimit, defOffset int) (int, int) {
	q := r.URL.Query()

	limit := defLimit
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit <= 0 {
		limit = defLimit
	}
	// safety cap
	if limit > 200 {
		limit = 200
	}

	offset := defOffset
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = defOffset
	}

	return limit, offset
}
