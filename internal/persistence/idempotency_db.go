package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresDedupStore answers request-ID lookups from the event log.
// It is the durable tier behind the vault's in-memory LRU.
type PostgresDedupStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresDedupStore(db *sql.DB, timeout time.Duration) *PostgresDedupStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &PostgresDedupStore{db: db, timeout: timeout}
}

// IsDuplicate checks if an event with this type and key is in the log
func (s *PostgresDedupStore) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the newest request keys in composite "EventType:key"
// form, oldest first, for warming the LRU after a cold start.
func (s *PostgresDedupStore) RecentKeys(ctx context.Context, eventType string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key FROM (
			SELECT idempotency_key, sequence
			FROM event_log.events
			WHERE event_type = $1
			ORDER BY sequence DESC
			LIMIT $2
		) recent
		ORDER BY sequence ASC
	`, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}
