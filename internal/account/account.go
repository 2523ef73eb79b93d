// Package account implements account-level operations on pipeline data.
package account

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/idempotency"
	"github.com/danielhendel/oli-sub005/internal/models"
)

// Scope is the idempotency scope of deletion requests.
const Scope = "account-delete"

// Deleter removes every document a user owns.
type Deleter interface {
	DeleteUser(ctx context.Context, userID string) (models.DeletionCounts, error)
}

// Service deletes accounts. Requests carry an idempotency key like ingestion.
type Service struct {
	store Deleter
	guard *idempotency.Guard
	ttl   time.Duration
	log   *slog.Logger
}

func NewService(store Deleter, guard *idempotency.Guard, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, guard: guard, ttl: ttl, log: log.With("component", "account")}
}

// Delete cascades the deletion of raw events, canonical events, ledger runs,
// latest documents and failures for userID.
func (s *Service) Delete(ctx context.Context, userID, idempotencyKey string) (models.DeletionCounts, error) {
	if userID == "" {
		return models.DeletionCounts{}, apperr.Auth("missing identity")
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return models.DeletionCounts{}, apperr.Validation("Idempotency-Key header required",
			apperr.FieldError{Field: "Idempotency-Key", Message: "required"})
	}

	key := idempotency.Key(Scope, userID, idempotencyKey)
	dup, err := s.guard.Accept(ctx, key, s.ttl)
	if err != nil {
		return models.DeletionCounts{}, err
	}
	if dup {
		return models.DeletionCounts{}, apperr.Duplicate(idempotencyKey)
	}

	counts, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		if rerr := s.guard.Release(ctx, key); rerr != nil {
			s.log.Error("release idempotency key", "key", key, "err", rerr)
		}
		return models.DeletionCounts{}, err
	}
	s.log.Info("account data deleted", "user_id", userID,
		"raw_events", counts.RawEvents, "canonical_events", counts.CanonicalEvents, "runs", counts.Runs)
	return counts, nil
}
