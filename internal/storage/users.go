package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tdalverme/umbral/internal/domain"
)

const userColumns = `id, chat_id, username, hard_filters_json, soft_preferences_json, preference_vector,
  active, onboarding_completed, total_likes, total_dislikes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var hardJSON, softJSON, vec string
	if err := row.Scan(
		&u.ID, &u.ChatID, &u.Username, &hardJSON, &softJSON, &vec,
		&u.Active, &u.OnboardingCompleted, &u.TotalLikes, &u.TotalDislikes, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return domain.User{}, err
	}
	if err := json.Unmarshal([]byte(hardJSON), &u.Hard); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID).Msg("malformed hard filters ignored")
	}
	u.Soft = domain.DefaultSoftPreferences()
	if err := json.Unmarshal([]byte(softJSON), &u.Soft); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID).Msg("malformed soft preferences ignored")
	}
	u.Soft = u.Soft.Normalize()
	u.PreferenceVector, _ = s.decodeVector(vec, "users", u.ID, "preference_vector")
	return u, nil
}

// UpsertUser creates the user or replaces its profile. Feedback counters are
// only written on insert.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Soft = u.Soft.Normalize()

	vec, err := s.encodeVector(u.PreferenceVector)
	if err != nil {
		return u, err
	}

	_, err = s.exec(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  chat_id = excluded.chat_id,
  username = excluded.username,
  hard_filters_json = excluded.hard_filters_json,
  soft_preferences_json = excluded.soft_preferences_json,
  preference_vector = excluded.preference_vector,
  active = excluded.active,
  onboarding_completed = excluded.onboarding_completed,
  updated_at = excluded.updated_at
`,
		u.ID, u.ChatID, u.Username, marshalJSON(u.Hard), marshalJSON(u.Soft), vec,
		u.Active, u.OnboardingCompleted, u.TotalLikes, u.TotalDislikes, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return u, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := s.scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) ActiveOnboardedUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users
WHERE active = ? AND onboarding_completed = ?
ORDER BY created_at, id`, true, true)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdatePreferenceVector replaces the stored vector. A nil vector clears it.
func (s *Store) UpdatePreferenceVector(ctx context.Context, userID string, v []float64) error {
	raw, err := s.encodeVector(v)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE users SET preference_vector = ?, updated_at = ? WHERE id = ?`, raw, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update preference vector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFeedback keeps one current feedback row per (user, listing) and
// adjusts the user's like/dislike counters. Repeating the same polarity
// changes no counter; flipping it moves one count across.
func (s *Store) RecordFeedback(ctx context.Context, userID, listingID string, p domain.Polarity) error {
	if !p.Valid() {
		return fmt.Errorf("record feedback: invalid polarity %q", p)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var prev string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT polarity FROM feedback WHERE user_id = ? AND listing_id = ?`), userID, listingID).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO feedback (id, user_id, listing_id, polarity, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`), uuid.NewString(), userID, listingID, string(p), now, now); err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		if err := s.bumpCounter(ctx, tx, userID, p, ""); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read feedback: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE feedback SET polarity = ?, updated_at = ? WHERE user_id = ? AND listing_id = ?`),
			string(p), now, userID, listingID); err != nil {
			return fmt.Errorf("update feedback: %w", err)
		}
		if domain.Polarity(prev) != p {
			if err := s.bumpCounter(ctx, tx, userID, p, domain.Polarity(prev)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func counterColumn(p domain.Polarity) string {
	if p == domain.Like {
		return "total_likes"
	}
	return "total_dislikes"
}

func (s *Store) bumpCounter(ctx context.Context, tx *sql.Tx, userID string, inc, dec domain.Polarity) error {
	set := counterColumn(inc) + " = " + counterColumn(inc) + " + 1"
	if dec.Valid() {
		col := counterColumn(dec)
		set += ", " + col + " = CASE WHEN " + col + " > 0 THEN " + col + " - 1 ELSE 0 END"
	}
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE users SET `+set+`, updated_at = ? WHERE id = ?`), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update feedback counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
