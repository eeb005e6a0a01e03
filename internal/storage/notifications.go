package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tdalverme/umbral/internal/domain"
)

func (s *Store) WasNotified(ctx context.Context, userID, listingID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM sent_notifications WHERE user_id = ? AND listing_id = ?`, userID, listingID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("was notified: %w", err)
	}
	return n > 0, nil
}

// RecordNotification stores a delivered notification. Recording the same
// (user, listing) pair twice is a no-op.
func (s *Store) RecordNotification(ctx context.Context, userID, listingID string, score float64) error {
	_, err := s.exec(ctx, `
INSERT INTO sent_notifications (id, user_id, listing_id, score, sent_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, listing_id) DO NOTHING`,
		uuid.NewString(), userID, listingID, score, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// NotifiedListingIDs lists every listing already sent to the user.
func (s *Store) NotifiedListingIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT listing_id FROM sent_notifications WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("notified listings: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) NotificationHistory(ctx context.Context, userID string, limit int) ([]domain.SentNotification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, `
SELECT id, user_id, listing_id, score, sent_at
FROM sent_notifications
WHERE user_id = ?
ORDER BY sent_at DESC, id
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification history: %w", err)
	}
	defer rows.Close()

	var out []domain.SentNotification
	for rows.Next() {
		var n domain.SentNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ListingID, &n.Score, &n.SentAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
