package storage

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/tdalverme/umbral/internal/domain"
)

// LoadListingsFromFile reads analyzed listings from a JSON array file.
func LoadListingsFromFile(path string) ([]domain.Listing, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read listings file: %w", err)
	}

	var items []domain.Listing
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("unmarshal listings: %w", err)
	}
	return items, nil
}

// LoadUsersFromFile reads user profiles from a JSON array file. Missing soft
// preferences default to neutral.
func LoadUsersFromFile(path string) ([]domain.User, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal users: %w", err)
	}
	users := make([]domain.User, 0, len(raw))
	for i, r := range raw {
		u := domain.User{Soft: domain.DefaultSoftPreferences()}
		if err := json.Unmarshal(r, &u); err != nil {
			return nil, fmt.Errorf("unmarshal user %d: %w", i, err)
		}
		u.Soft = u.Soft.Normalize()
		users = append(users, u)
	}
	return users, nil
}
