package cache

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces every dedup key in Redis
const KeyPrefix = "poolledger:dedup:"

// DedupStore is a Redis-backed request-ID store shared by every vault
// replica. It sits between the in-memory LRU and the event log: a miss
// here falls through to the fallback store, and a fallback hit is copied
// back into Redis.
type DedupStore struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	fallback core.DurableDedupStore
	log      zerolog.Logger
}

// NewDedupStore builds a store. A zero ttl keeps keys forever; fallback
// may be nil.
func NewDedupStore(rdb redis.UniversalClient, ttl time.Duration, fallback core.DurableDedupStore, log zerolog.Logger) *DedupStore {
	return &DedupStore{rdb: rdb, ttl: ttl, fallback: fallback, log: log}
}

// Connect parses a redis:// URL and pings the server
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func redisKey(eventType, idempotencyKey string) string {
	return KeyPrefix + eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the key was seen by any replica
func (s *DedupStore) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisKey(eventType, idempotencyKey)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if s.fallback == nil {
		return false, nil
	}

	dup, err := s.fallback.IsDuplicate(ctx, eventType, idempotencyKey)
	if err != nil {
		return false, err
	}
	if dup {
		if _, err := s.Remember(ctx, eventType, idempotencyKey); err != nil {
			s.log.Warn().Err(err).Str("key", idempotencyKey).Msg("dedup backfill failed")
		}
	}
	return dup, nil
}

// Remember records a key. It returns false if the key was already present.
func (s *DedupStore) Remember(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, redisKey(eventType, idempotencyKey), time.Now().UTC().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// RememberOutputs records the request IDs of persisted investments in one
// pipeline. It is meant to run as a persistence flush hook.
func (s *DedupStore) RememberOutputs(ctx context.Context, outputs []core.CoreOutput) {
	pipe := s.rdb.Pipeline()
	queued := 0
	for _, out := range outputs {
		im, ok := out.Event.(*event.InvestmentMade)
		if !ok || im.RequestID == "" {
			continue
		}
		pipe.SetNX(ctx, redisKey(event.EventTypeInvestmentMade.String(), im.RequestID), out.Envelope.Sequence, s.ttl)
		queued++
	}
	if queued == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Int("keys", queued).Msg("dedup pipeline failed")
	}
}
