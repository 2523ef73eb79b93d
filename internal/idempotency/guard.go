// Package idempotency deduplicates write requests by client-supplied key.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/models"
)

// Recorder is the storage the guard needs.
type Recorder interface {
	CreateIdempotencyKey(ctx context.Context, rec models.IdempotencyRecord) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}

// Guard records keys and reports replays within their TTL.
type Guard struct {
	rec Recorder
	now func() time.Time
}

// New creates a Guard. A nil now uses time.Now.
func New(rec Recorder, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{rec: rec, now: now}
}

// Accept records key for ttl. It returns duplicate=true when a live record for
// key already exists. A storage failure is returned as an error and never
// reported as "not duplicate".
func (g *Guard) Accept(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, apperr.Validation("idempotency key required")
	}
	if ttl <= 0 {
		return false, errors.New("idempotency: ttl must be positive")
	}
	now := g.now().UTC()
	created, err := g.rec.CreateIdempotencyKey(ctx, models.IdempotencyRecord{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Transient("idempotency accept", err)
		}
		return false, err
	}
	return !created, nil
}

// Release forgets key so that a request whose write failed can be retried.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.rec.DeleteIdempotencyKey(ctx, key)
}

// Sweep deletes expired records and returns how many were removed.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	return g.rec.DeleteExpiredIdempotencyKeys(ctx, g.now().UTC())
}

// Key scopes a client key to an operation and identity.
func Key(scope, userID, clientKey string) string {
	return scope + ":" + userID + ":" + clientKey
}
