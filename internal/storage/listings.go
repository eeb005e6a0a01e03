package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tdalverme/umbral/internal/domain"
)

const listingColumns = `id, operation_type, price_raw, currency, rooms_raw, parking_spaces,
  has_balcony, is_pet_friendly, is_furnished, title, url, description,
  price_usd, price_per_m2_usd, neighborhood, rooms, scores_json, features_json, style_tags_json,
  summary, embedding, vibe_embedding, analysis_version, analyzed_at`

func (s *Store) scanListing(row rowScanner) (domain.Listing, error) {
	var l domain.Listing
	var parking sql.NullInt64
	var scoresJSON, featuresJSON, tagsJSON, emb, vibe string
	if err := row.Scan(
		&l.ID, &l.Source.OperationType, &l.Source.Price, &l.Source.Currency, &l.Source.Rooms, &parking,
		&l.Source.HasBalcony, &l.Source.IsPetFriendly, &l.Source.IsFurnished, &l.Source.Title, &l.Source.URL, &l.Source.Description,
		&l.PriceUSD, &l.PricePerM2USD, &l.Neighborhood, &l.Rooms, &scoresJSON, &featuresJSON, &tagsJSON,
		&l.Summary, &emb, &vibe, &l.AnalysisVersion, &l.AnalyzedAt,
	); err != nil {
		return domain.Listing{}, err
	}
	if parking.Valid {
		n := int(parking.Int64)
		l.Source.ParkingSpaces = &n
	}
	if strings.TrimSpace(scoresJSON) != "" {
		var sc domain.Scores
		if err := json.Unmarshal([]byte(scoresJSON), &sc); err != nil {
			s.log.Warn().Err(err).Str("listing_id", l.ID).Msg("malformed scores ignored")
		} else {
			l.Scores = &sc
		}
	}
	_ = json.Unmarshal([]byte(featuresJSON), &l.Features)
	_ = json.Unmarshal([]byte(tagsJSON), &l.StyleTags)
	l.Embedding, l.MalformedEmbedding = s.decodeVector(emb, "listings", l.ID, "embedding")
	l.VibeEmbedding, _ = s.decodeVector(vibe, "listings", l.ID, "vibe_embedding")
	return l, nil
}

// UpsertListings inserts or re-analyzes listings in one transaction.
func (s *Store) UpsertListings(ctx context.Context, items []domain.Listing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO listings (`+listingColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  operation_type = excluded.operation_type,
  price_raw = excluded.price_raw,
  currency = excluded.currency,
  rooms_raw = excluded.rooms_raw,
  parking_spaces = excluded.parking_spaces,
  has_balcony = excluded.has_balcony,
  is_pet_friendly = excluded.is_pet_friendly,
  is_furnished = excluded.is_furnished,
  title = excluded.title,
  url = excluded.url,
  description = excluded.description,
  price_usd = excluded.price_usd,
  price_per_m2_usd = excluded.price_per_m2_usd,
  neighborhood = excluded.neighborhood,
  rooms = excluded.rooms,
  scores_json = excluded.scores_json,
  features_json = excluded.features_json,
  style_tags_json = excluded.style_tags_json,
  summary = excluded.summary,
  embedding = excluded.embedding,
  vibe_embedding = excluded.vibe_embedding,
  analysis_version = excluded.analysis_version,
  analyzed_at = excluded.analyzed_at
`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range items {
		if l.ID == "" {
			return errors.New("upsert listing: empty id")
		}
		if l.AnalyzedAt.IsZero() {
			l.AnalyzedAt = time.Now().UTC()
		}
		var parking any
		if l.Source.ParkingSpaces != nil {
			parking = *l.Source.ParkingSpaces
		}
		scores := ""
		if l.Scores != nil {
			scores = marshalJSON(l.Scores)
		}
		tags := l.StyleTags
		if tags == nil {
			tags = []string{}
		}
		emb, err := s.encodeVector(l.Embedding)
		if err != nil {
			return fmt.Errorf("listing %s: %w", l.ID, err)
		}
		vibe, err := s.encodeVector(l.VibeEmbedding)
		if err != nil {
			return fmt.Errorf("listing %s: %w", l.ID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			l.ID, string(l.Source.OperationType), l.Source.Price, l.Source.Currency, l.Source.Rooms, parking,
			l.Source.HasBalcony, l.Source.IsPetFriendly, l.Source.IsFurnished, l.Source.Title, l.Source.URL, l.Source.Description,
			l.PriceUSD, l.PricePerM2USD, l.Neighborhood, l.Rooms, scores, marshalJSON(l.Features), marshalJSON(tags),
			l.Summary, emb, vibe, l.AnalysisVersion, l.AnalyzedAt,
		); err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	l, err := s.scanListing(s.queryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, ErrNotFound
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

// ListingFilter is a coarse index query. Rows with an unknown (zero) price
// or room count are kept so the hard filter can decide on the raw values.
type ListingFilter struct {
	OperationType domain.OperationType
	Neighborhoods []string
	MinPriceUSD   *float64
	MaxPriceUSD   *float64
	MinRooms      *int
	MaxRooms      *int
	Limit         int
	Offset        int
	// ExcludeNotifiedFor drops listings already sent to this user.
	ExcludeNotifiedFor string
}

// FilterFromHard derives the store prefilter from a user's hard filters.
func FilterFromHard(h domain.HardFilters, limit int) ListingFilter {
	return ListingFilter{
		OperationType: h.OperationType,
		Neighborhoods: h.Neighborhoods,
		MinPriceUSD:   h.MinPriceUSD,
		MaxPriceUSD:   h.MaxPriceUSD,
		MinRooms:      h.MinRooms,
		MaxRooms:      h.MaxRooms,
		Limit:         limit,
	}
}

func (f ListingFilter) where() (string, []any) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if f.OperationType != "" {
		where = append(where, "operation_type = ?")
		args = append(args, string(f.OperationType))
	}
	var hoods []string
	for _, n := range f.Neighborhoods {
		if n = strings.TrimSpace(n); n != "" {
			hoods = append(hoods, strings.ToLower(n))
		}
	}
	if len(hoods) > 0 {
		where = append(where, "LOWER(neighborhood) IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(hoods)), ", ")+")")
		for _, n := range hoods {
			args = append(args, n)
		}
	}
	if f.MinPriceUSD != nil {
		where = append(where, "(price_usd <= 0 OR price_usd >= ?)")
		args = append(args, *f.MinPriceUSD)
	}
	if f.MaxPriceUSD != nil {
		where = append(where, "(price_usd <= 0 OR price_usd <= ?)")
		args = append(args, *f.MaxPriceUSD)
	}
	if f.MinRooms != nil {
		where = append(where, "(rooms <= 0 OR rooms >= ?)")
		args = append(args, *f.MinRooms)
	}
	if f.MaxRooms != nil {
		where = append(where, "(rooms <= 0 OR rooms <= ?)")
		args = append(args, *f.MaxRooms)
	}

	if f.ExcludeNotifiedFor != "" {
		where = append(where, "NOT EXISTS (SELECT 1 FROM sent_notifications sn WHERE sn.user_id = ? AND sn.listing_id = listings.id)")
		args = append(args, f.ExcludeNotifiedFor)
	}

	if len(where) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

// SearchListings returns one page of listings matching f, newest analysis
// first, and the total match count.
func (s *Store) SearchListings(ctx context.Context, f ListingFilter) ([]domain.Listing, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	whereSQL, args := f.where()

	var total int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM listings "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listings: %w", err)
	}

	out, err := s.listListings(ctx, whereSQL, args, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Candidates returns the listings worth scoring for a user's hard filters,
// skipping those already sent to the user so they do not use up the limit.
func (s *Store) Candidates(ctx context.Context, userID string, h domain.HardFilters, limit int) ([]domain.Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	f := FilterFromHard(h, limit)
	f.ExcludeNotifiedFor = userID
	whereSQL, args := f.where()
	return s.listListings(ctx, whereSQL, args, limit, 0)
}

func (s *Store) listListings(ctx context.Context, whereSQL string, args []any, limit, offset int) ([]domain.Listing, error) {
	q := "SELECT " + listingColumns + " FROM listings " + whereSQL + "\nORDER BY analyzed_at DESC, id\nLIMIT ? OFFSET ?"
	rowsArgs := append(append([]any{}, args...), limit, offset)

	rows, err := s.query(ctx, q, rowsArgs...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := s.scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
