package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danielhendel/oli-sub005/internal/models"
)

// schemaPostgres is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema_postgres.sql
var schemaPostgres string

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema_postgres.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaPostgres)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) CreateIdempotencyKey(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	// RETURNING 1 only when inserted or when an expired record was replaced;
	// a live duplicate returns no rows.
	var one int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO idempotency_keys(key, created_at, expires_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE
		   SET created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING 1
	`, rec.Key, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC()).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("create idempotency key", err)
	}
	return true, nil
}

func (p *PostgresStore) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return storageErr("delete idempotency key", err)
}

func (p *PostgresStore) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, storageErr("sweep idempotency keys", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) InsertRawEvent(ctx context.Context, ev models.RawEvent) error {
	if ev.UserID == "" || ev.ID == "" || ev.Kind == "" {
		return errors.New("userID/id/kind required")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO raw_events(user_id, id, source_id, source_type, provider, kind,
			observed_at, received_at, time_zone, payload, schema_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ev.UserID, ev.ID, ev.SourceID, ev.SourceType, ev.Provider, string(ev.Kind),
		ev.ObservedAt.UTC(), ev.ReceivedAt.UTC(), ev.TimeZone, []byte(ev.Payload), ev.SchemaVersion)
	return storageErr("insert raw event", err)
}

func (p *PostgresStore) GetRawEvent(ctx context.Context, userID, id string) (models.RawEvent, error) {
	var ev models.RawEvent
	var kind string
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, id, source_id, source_type, provider, kind,
		       observed_at, received_at, time_zone, payload, schema_version
		FROM raw_events WHERE user_id=$1 AND id=$2
	`, userID, id).Scan(&ev.UserID, &ev.ID, &ev.SourceID, &ev.SourceType, &ev.Provider, &kind,
		&ev.ObservedAt, &ev.ReceivedAt, &ev.TimeZone, &payload, &ev.SchemaVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RawEvent{}, ErrNotFound
	}
	if err != nil {
		return models.RawEvent{}, storageErr("get raw event", err)
	}
	ev.Kind = models.Kind(kind)
	ev.Payload = payload
	ev.ObservedAt = ev.ObservedAt.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, nil
}

func (p *PostgresStore) ListRawEvents(ctx context.Context, userID string) ([]models.RawEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, id, source_id, source_type, provider, kind,
		       observed_at, received_at, time_zone, payload, schema_version
		FROM raw_events WHERE user_id=$1
		ORDER BY received_at, id
	`, userID)
	if err != nil {
		return nil, storageErr("list raw events", err)
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.UserID, &ev.ID, &ev.SourceID, &ev.SourceType, &ev.Provider, &kind,
			&ev.ObservedAt, &ev.ReceivedAt, &ev.TimeZone, &payload, &ev.SchemaVersion); err != nil {
			return nil, storageErr("scan raw event", err)
		}
		ev.Kind = models.Kind(kind)
		ev.Payload = payload
		ev.ObservedAt = ev.ObservedAt.UTC()
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		out = append(out, ev)
	}
	return out, storageErr("list raw events", rows.Err())
}

func (p *PostgresStore) InsertCanonicalEvent(ctx context.Context, ev models.CanonicalEvent) (bool, error) {
	measurements, labels, err := encodeCanonical(ev)
	if err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO canonical_events(user_id, id, raw_event_id, kind, day, observed_at, time_zone,
			measurements, labels, schema_version, canonical_version, logic_version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT DO NOTHING
	`, ev.UserID, ev.ID, ev.RawEventID, string(ev.Kind), ev.Day, ev.ObservedAt.UTC(), ev.TimeZone,
		measurements, labels, ev.SchemaVersion, ev.CanonicalVersion, ev.LogicVersion, ev.CreatedAt.UTC())
	if err != nil {
		return false, storageErr("insert canonical event", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ListCanonicalEvents(ctx context.Context, userID, fromDay, toDay string) ([]models.CanonicalEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, id, raw_event_id, kind, day, observed_at, time_zone, measurements, labels,
		       schema_version, canonical_version, logic_version, created_at
		FROM canonical_events
		WHERE user_id=$1 AND day >= $2 AND day <= $3
		ORDER BY observed_at, id
	`, userID, fromDay, toDay)
	if err != nil {
		return nil, storageErr("list canonical events", err)
	}
	defer rows.Close()

	var out []models.CanonicalEvent
	for rows.Next() {
		var ev models.CanonicalEvent
		var kind string
		var measurements, labels []byte
		if err := rows.Scan(&ev.UserID, &ev.ID, &ev.RawEventID, &kind, &ev.Day, &ev.ObservedAt, &ev.TimeZone,
			&measurements, &labels, &ev.SchemaVersion, &ev.CanonicalVersion, &ev.LogicVersion, &ev.CreatedAt); err != nil {
			return nil, storageErr("scan canonical event", err)
		}
		ev.Kind = models.Kind(kind)
		ev.ObservedAt = ev.ObservedAt.UTC()
		ev.CreatedAt = ev.CreatedAt.UTC()
		if err := decodeCanonical(&ev, measurements, labels); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, storageErr("list canonical events", rows.Err())
}

func (p *PostgresStore) CommitRun(ctx context.Context, snap models.RunSnapshot) (models.RunSnapshot, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.RunSnapshot{}, storageErr("begin run commit", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise commits for one (user, day) so computedAt is strictly increasing
	// in commit order.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(snap.Run.UserID, snap.Run.Day)); err != nil {
		return models.RunSnapshot{}, storageErr("lock run day", err)
	}

	var prev *time.Time
	if err := tx.QueryRow(ctx, `
		SELECT MAX(computed_at) FROM derived_ledger_runs WHERE user_id=$1 AND day=$2
	`, snap.Run.UserID, snap.Run.Day).Scan(&prev); err != nil {
		return models.RunSnapshot{}, storageErr("read latest run", err)
	}
	stamp(&snap, commitTime(snap.Run.ComputedAt, prev))

	enc, err := encodeSnapshot(snap)
	if err != nil {
		return models.RunSnapshot{}, err
	}
	run := snap.Run
	if _, err := tx.Exec(ctx, `
		INSERT INTO derived_ledger_runs(run_id, user_id, day, triggered_by_event_id, computed_at,
			pipeline_version, status, missing_inputs, daily_fact, health_score, insights)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, run.RunID, run.UserID, run.Day, run.TriggeredByEventID, run.ComputedAt, run.PipelineVersion, run.Status,
		enc.missing, enc.fact, enc.score, enc.insights); err != nil {
		return models.RunSnapshot{}, storageErr("insert run", err)
	}

	for _, latest := range []struct {
		table string
		doc   []byte
	}{
		{"daily_facts", enc.fact},
		{"health_scores", enc.score},
		{"insights", enc.insights},
	} {
		query := fmt.Sprintf(`
			INSERT INTO %[1]s(user_id, day, run_id, computed_at, doc)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (user_id, day) DO UPDATE
			   SET run_id = EXCLUDED.run_id, computed_at = EXCLUDED.computed_at, doc = EXCLUDED.doc
			 WHERE (%[1]s.computed_at, %[1]s.run_id) < (EXCLUDED.computed_at, EXCLUDED.run_id)
		`, latest.table)
		if _, err := tx.Exec(ctx, query, run.UserID, run.Day, run.RunID, run.ComputedAt, latest.doc); err != nil {
			return models.RunSnapshot{}, storageErr("upsert "+latest.table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.RunSnapshot{}, storageErr("commit run", err)
	}
	return snap, nil
}

const pgRunColumns = `run_id, user_id, day, triggered_by_event_id, computed_at, pipeline_version, status, missing_inputs`

func scanPgRun(row pgx.Row, extra ...any) (models.DerivedLedgerRun, error) {
	var run models.DerivedLedgerRun
	var missing []byte
	dest := append([]any{&run.RunID, &run.UserID, &run.Day, &run.TriggeredByEventID, &run.ComputedAt,
		&run.PipelineVersion, &run.Status, &missing}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.DerivedLedgerRun{}, err
	}
	run.ComputedAt = run.ComputedAt.UTC()
	if err := decodeJSON(missing, &run.MissingInputs); err != nil {
		return models.DerivedLedgerRun{}, err
	}
	return run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, userID, day string) ([]models.DerivedLedgerRun, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgRunColumns+`
		FROM derived_ledger_runs
		WHERE user_id=$1 AND day=$2
		ORDER BY computed_at, run_id
	`, userID, day)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer rows.Close()

	var out []models.DerivedLedgerRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, storageErr("scan run", err)
		}
		out = append(out, run)
	}
	return out, storageErr("list runs", rows.Err())
}

func (p *PostgresStore) getSnapshot(ctx context.Context, where string, args ...any) (models.RunSnapshot, error) {
	var fact, score, insights []byte
	row := p.pool.QueryRow(ctx, `
		SELECT `+pgRunColumns+`, daily_fact, health_score, insights
		FROM derived_ledger_runs
		WHERE `+where+`
		ORDER BY computed_at DESC, run_id DESC
		LIMIT 1
	`, args...)
	run, err := scanPgRun(row, &fact, &score, &insights)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.RunSnapshot{}, storageErr("get run", err)
	}
	return decodeSnapshot(run, fact, score, insights)
}

func (p *PostgresStore) GetRun(ctx context.Context, userID, day, runID string) (models.RunSnapshot, error) {
	return p.getSnapshot(ctx, `user_id=$1 AND day=$2 AND run_id=$3`, userID, day, runID)
}

func (p *PostgresStore) GetRunAsOf(ctx context.Context, userID, day string, asOf time.Time) (models.RunSnapshot, error) {
	return p.getSnapshot(ctx, `user_id=$1 AND day=$2 AND computed_at <= $3`, userID, day, asOf.UTC())
}

// GetLatest reads the three latest documents and their run in one statement,
// so a concurrent CommitRun is observed either entirely or not at all.
func (p *PostgresStore) GetLatest(ctx context.Context, userID, day string) (models.RunSnapshot, error) {
	var fact, score, insights []byte
	row := p.pool.QueryRow(ctx, `
		SELECT r.run_id, r.user_id, r.day, r.triggered_by_event_id, r.computed_at, r.pipeline_version,
		       r.status, r.missing_inputs, f.doc, s.doc, i.doc
		FROM daily_facts f
		JOIN health_scores s ON s.user_id = f.user_id AND s.day = f.day
		JOIN insights i ON i.user_id = f.user_id AND i.day = f.day
		JOIN derived_ledger_runs r ON r.run_id = f.run_id
		WHERE f.user_id=$1 AND f.day=$2
	`, userID, day)
	run, err := scanPgRun(row, &fact, &score, &insights)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.RunSnapshot{}, storageErr("get latest", err)
	}
	return decodeSnapshot(run, fact, score, insights)
}

func (p *PostgresStore) RecordFailure(ctx context.Context, f models.FailureEntry) error {
	details, err := encodeJSON(f.Details)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO pipeline_failures(id, user_id, day, code, message, raw_event_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, f.ID, f.UserID, f.Day, f.Code, f.Message, f.RawEventID, details, f.CreatedAt.UTC())
	return storageErr("record failure", err)
}

func (p *PostgresStore) ListFailures(ctx context.Context, userID, day string) ([]models.FailureEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, day, code, message, raw_event_id, details, created_at
		FROM pipeline_failures
		WHERE user_id=$1 AND ($2::text = '' OR day = $2)
		ORDER BY created_at, id
	`, userID, day)
	if err != nil {
		return nil, storageErr("list failures", err)
	}
	defer rows.Close()

	var out []models.FailureEntry
	for rows.Next() {
		var f models.FailureEntry
		var details []byte
		if err := rows.Scan(&f.ID, &f.UserID, &f.Day, &f.Code, &f.Message, &f.RawEventID, &details, &f.CreatedAt); err != nil {
			return nil, storageErr("scan failure", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		if err := decodeJSON(details, &f.Details); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, storageErr("list failures", rows.Err())
}

func (p *PostgresStore) DeleteUser(ctx context.Context, userID string) (models.DeletionCounts, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.DeletionCounts{}, storageErr("begin delete user", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var counts models.DeletionCounts
	for _, step := range deleteSteps(&counts) {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id=$1`, step.table), userID)
		if err != nil {
			return models.DeletionCounts{}, storageErr("delete "+step.table, err)
		}
		if step.count != nil {
			*step.count = tag.RowsAffected()
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DeletionCounts{}, storageErr("commit delete user", err)
	}
	return counts, nil
}
