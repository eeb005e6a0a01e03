// Package cache fronts the sent-notification ledger with a Redis set per user.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/metrics"
)

// Ledger is the durable dedup record the cache sits in front of.
type Ledger interface {
	WasNotified(ctx context.Context, userID, listingID string) (bool, error)
	RecordNotification(ctx context.Context, userID, listingID string, score float64) error
	NotifiedListingIDs(ctx context.Context, userID string) ([]string, error)
}

type Config struct {
	Addr   string
	TTL    time.Duration
	Prefix string
}

// Notified answers WasNotified from Redis when it can and from the ledger
// otherwise. The ledger stays authoritative: Redis failures only cost a
// round trip to the database.
type Notified struct {
	rdb    *goredis.Client
	next   Ledger
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

func New(cfg Config, next Ledger, log zerolog.Logger) (*Notified, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, cfg, next, log), nil
}

func NewWithClient(rdb *goredis.Client, cfg Config, next Ledger, log zerolog.Logger) *Notified {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "umbral:notified:"
	}
	return &Notified{
		rdb:    rdb,
		next:   next,
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		log:    log.With().Str("component", "notified_cache").Logger(),
	}
}

func (c *Notified) key(userID string) string { return c.prefix + userID }

func (c *Notified) WasNotified(ctx context.Context, userID, listingID string) (bool, error) {
	hit, err := c.rdb.SIsMember(ctx, c.key(userID), listingID).Result()
	switch {
	case err != nil:
		metrics.DedupCacheLookups.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Str("user_id", userID).Msg("redis lookup failed, using ledger")
	case hit:
		metrics.DedupCacheLookups.WithLabelValues("hit").Inc()
		return true, nil
	default:
		metrics.DedupCacheLookups.WithLabelValues("miss").Inc()
		if sent, ok := c.warmUser(ctx, userID, listingID); ok {
			return sent, nil
		}
	}

	sent, err := c.next.WasNotified(ctx, userID, listingID)
	if err != nil {
		return false, err
	}
	if sent {
		c.remember(ctx, userID, listingID)
	}
	return sent, nil
}

// RecordNotification writes the ledger first; the cache is only warmed once
// the durable record exists.
func (c *Notified) RecordNotification(ctx context.Context, userID, listingID string, score float64) error {
	if err := c.next.RecordNotification(ctx, userID, listingID, score); err != nil {
		return err
	}
	c.remember(ctx, userID, listingID)
	return nil
}

// warmUser loads a user's whole ledger history into a cold key. ok is false
// when the key already exists or Redis is unreachable.
func (c *Notified) warmUser(ctx context.Context, userID, listingID string) (sent, ok bool) {
	key := c.key(userID)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil || n > 0 {
		return false, false
	}
	ids, err := c.next.NotifiedListingIDs(ctx, userID)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("ledger history read failed")
		return false, false
	}
	if len(ids) == 0 {
		return false, true
	}

	members := make([]any, 0, len(ids))
	for _, id := range ids {
		members = append(members, id)
		if id == listingID {
			sent = true
		}
	}
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("redis warm failed")
	}
	return sent, true
}

func (c *Notified) remember(ctx context.Context, userID, listingID string) {
	key := c.key(userID)
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, key, listingID)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("redis warm failed")
	}
}

func (c *Notified) Close() error { return c.rdb.Close() }
