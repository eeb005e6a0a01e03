package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/vecmath"
)

var ErrNotFound = errors.New("storage: not found")

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store persists users, listings, feedback and sent notifications on SQLite
// or PostgreSQL through database/sql.
type Store struct {
	db     *sql.DB
	driver string
	log    zerolog.Logger
}

func Open(driver, dsn string, log zerolog.Logger) (*Store, error) {
	switch driver {
	case "", "sqlite", DriverSQLite:
		driver = DriverSQLite
	case "postgresql", DriverPostgres:
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA foreign_keys=ON;`,
			`PRAGMA busy_timeout=5000;`,
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}

	return &Store{db: db, driver: driver, log: log.With().Str("component", "storage").Logger()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// rebind turns '?' placeholders into '$n' for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL DEFAULT '',
  hard_filters_json TEXT NOT NULL DEFAULT '{}',
  soft_preferences_json TEXT NOT NULL DEFAULT '{}',
  preference_vector TEXT NOT NULL DEFAULT '',
  active BOOLEAN NOT NULL DEFAULT TRUE,
  onboarding_completed BOOLEAN NOT NULL DEFAULT FALSE,
  total_likes INTEGER NOT NULL DEFAULT 0,
  total_dislikes INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS listings (
  id TEXT PRIMARY KEY,
  operation_type TEXT NOT NULL DEFAULT '',
  price_raw TEXT NOT NULL DEFAULT '',
  currency TEXT NOT NULL DEFAULT '',
  rooms_raw TEXT NOT NULL DEFAULT '',
  parking_spaces INTEGER,
  has_balcony BOOLEAN NOT NULL DEFAULT FALSE,
  is_pet_friendly BOOLEAN NOT NULL DEFAULT FALSE,
  is_furnished BOOLEAN NOT NULL DEFAULT FALSE,
  title TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  price_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
  price_per_m2_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
  neighborhood TEXT NOT NULL DEFAULT '',
  rooms INTEGER NOT NULL DEFAULT 0,
  scores_json TEXT NOT NULL DEFAULT '',
  features_json TEXT NOT NULL DEFAULT '{}',
  style_tags_json TEXT NOT NULL DEFAULT '[]',
  summary TEXT NOT NULL DEFAULT '',
  embedding TEXT NOT NULL DEFAULT '',
  vibe_embedding TEXT NOT NULL DEFAULT '',
  analysis_version TEXT NOT NULL DEFAULT '',
  analyzed_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS feedback (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id),
  listing_id TEXT NOT NULL,
  polarity TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL,
  UNIQUE (user_id, listing_id)
)`,
	`CREATE TABLE IF NOT EXISTS sent_notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  listing_id TEXT NOT NULL,
  score DOUBLE PRECISION NOT NULL,
  sent_at TIMESTAMP NOT NULL,
  UNIQUE (user_id, listing_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_users_active ON users(active, onboarding_completed)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_operation ON listings(operation_type)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_neighborhood ON listings(neighborhood)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_price ON listings(price_usd)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_analyzed ON listings(analyzed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sent_user ON sent_notifications(user_id)`,
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeVector maps a malformed stored vector to nil and reports it so
// scoring stays neutral.
func (s *Store) decodeVector(raw, table, id, column string) (v []float64, malformed bool) {
	v, err := vecmath.Decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("table", table).Str("id", id).Str("column", column).Msg("malformed stored vector ignored")
		return nil, true
	}
	return v, false
}

func (s *Store) encodeVector(v []float64) (string, error) {
	raw, err := vecmath.Encode(v)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	return raw, nil
}
