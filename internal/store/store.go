package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/models"
)

// ErrNotFound is returned by single-document reads when nothing matches.
var ErrNotFound = errors.New("store: not found")

// Store is the durable persistence layer for every pipeline stage.
//
// Raw and canonical events are append-only. Derived ledger outputs are written
// only through CommitRun, which stores the run, its snapshot and the latest
// pointers in one transaction. Storage failures are returned as
// apperr.KindTransient so the trigger layer can retry them.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	EnsureSchema(ctx context.Context) error

	// CreateIdempotencyKey inserts rec, or replaces an expired record with the
	// same key. It returns created=false when a live record already exists.
	CreateIdempotencyKey(ctx context.Context, rec models.IdempotencyRecord) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)

	InsertRawEvent(ctx context.Context, ev models.RawEvent) error
	GetRawEvent(ctx context.Context, userID, id string) (models.RawEvent, error)
	// ListRawEvents returns every raw event of userID in arrival order.
	ListRawEvents(ctx context.Context, userID string) ([]models.RawEvent, error)

	// InsertCanonicalEvent returns inserted=false when an event for the same
	// (raw event, logic version) already exists.
	InsertCanonicalEvent(ctx context.Context, ev models.CanonicalEvent) (bool, error)
	// ListCanonicalEvents returns events whose day key is in [fromDay, toDay].
	ListCanonicalEvents(ctx context.Context, userID, fromDay, toDay string) ([]models.CanonicalEvent, error)

	// CommitRun appends a run and makes it the latest for its day. The stored
	// computedAt is max(snap.Run.ComputedAt, previous+1ms) truncated to
	// milliseconds; the committed snapshot is returned.
	CommitRun(ctx context.Context, snap models.RunSnapshot) (models.RunSnapshot, error)
	ListRuns(ctx context.Context, userID, day string) ([]models.DerivedLedgerRun, error)
	GetRun(ctx context.Context, userID, day, runID string) (models.RunSnapshot, error)
	GetRunAsOf(ctx context.Context, userID, day string, asOf time.Time) (models.RunSnapshot, error)
	GetLatest(ctx context.Context, userID, day string) (models.RunSnapshot, error)

	RecordFailure(ctx context.Context, f models.FailureEntry) error
	ListFailures(ctx context.Context, userID, day string) ([]models.FailureEntry, error)

	DeleteUser(ctx context.Context, userID string) (models.DeletionCounts, error)
}

// Open picks a backend from the DSN scheme: postgres:// and postgresql:// use
// pgx, sqlite:// (or a bare file path) uses SQLite.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty DSN")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	case "sqlite", "sqlite3":
		path := strings.TrimPrefix(dsn, parsed.Scheme+"://")
		return OpenSQLite(ctx, path)
	case "", "file":
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", parsed.Scheme)
	}
}

// stamp assigns the committed computedAt to the run and every output document.
func stamp(snap *models.RunSnapshot, at time.Time) {
	snap.Run.ComputedAt = at
	snap.DailyFact.ComputedAt = at
	snap.HealthScore.ComputedAt = at
	snap.Insights.ComputedAt = at
}

// commitTime returns the computedAt for a new run given the latest stored one.
func commitTime(requested time.Time, prev *time.Time) time.Time {
	at := requested.UTC().Truncate(time.Millisecond)
	if prev != nil {
		floor := prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
		if at.Before(floor) {
			at = floor
		}
	}
	return at
}

func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return apperr.Transient(op, err)
}

func lockKey(userID, day string) string {
	return userID + "|" + day
}
