package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielhendel/oli-sub005/internal/models"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

// SQLiteStore is a single-file Store for local runs and tests. All writes go
// through one connection, which also serialises run commits.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQLite); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLiteStore) CreateIdempotencyKey(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys(key, created_at, expires_at)
		VALUES (?,?,?)
		ON CONFLICT (key) DO UPDATE
		   SET created_at = excluded.created_at, expires_at = excluded.expires_at
		 WHERE idempotency_keys.expires_at <= excluded.created_at
		RETURNING 1
	`, rec.Key, nanos(rec.CreatedAt), nanos(rec.ExpiresAt)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("create idempotency key", err)
	}
	return true, nil
}

func (s *SQLiteStore) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=?`, key)
	return storageErr("delete idempotency key", err)
}

func (s *SQLiteStore) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, nanos(now))
	if err != nil {
		return 0, storageErr("sweep idempotency keys", err)
	}
	n, err := res.RowsAffected()
	return n, storageErr("sweep idempotency keys", err)
}

func (s *SQLiteStore) InsertRawEvent(ctx context.Context, ev models.RawEvent) error {
	if ev.UserID == "" || ev.ID == "" || ev.Kind == "" {
		return errors.New("userID/id/kind required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events(user_id, id, source_id, source_type, provider, kind,
			observed_at, received_at, time_zone, payload, schema_version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, ev.UserID, ev.ID, ev.SourceID, ev.SourceType, ev.Provider, string(ev.Kind),
		nanos(ev.ObservedAt), nanos(ev.ReceivedAt), ev.TimeZone, string(ev.Payload), ev.SchemaVersion)
	return storageErr("insert raw event", err)
}

func (s *SQLiteStore) GetRawEvent(ctx context.Context, userID, id string) (models.RawEvent, error) {
	var ev models.RawEvent
	var kind, payload string
	var observed, received int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, id, source_id, source_type, provider, kind,
		       observed_at, received_at, time_zone, payload, schema_version
		FROM raw_events WHERE user_id=? AND id=?
	`, userID, id).Scan(&ev.UserID, &ev.ID, &ev.SourceID, &ev.SourceType, &ev.Provider, &kind,
		&observed, &received, &ev.TimeZone, &payload, &ev.SchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RawEvent{}, ErrNotFound
	}
	if err != nil {
		return models.RawEvent{}, storageErr("get raw event", err)
	}
	ev.Kind = models.Kind(kind)
	ev.Payload = []byte(payload)
	ev.ObservedAt = fromNanos(observed)
	ev.ReceivedAt = fromNanos(received)
	return ev, nil
}

func (s *SQLiteStore) ListRawEvents(ctx context.Context, userID string) ([]models.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, id, source_id, source_type, provider, kind,
		       observed_at, received_at, time_zone, payload, schema_version
		FROM raw_events WHERE user_id=?
		ORDER BY received_at, id
	`, userID)
	if err != nil {
		return nil, storageErr("list raw events", err)
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		var kind, payload string
		var observed, received int64
		if err := rows.Scan(&ev.UserID, &ev.ID, &ev.SourceID, &ev.SourceType, &ev.Provider, &kind,
			&observed, &received, &ev.TimeZone, &payload, &ev.SchemaVersion); err != nil {
			return nil, storageErr("scan raw event", err)
		}
		ev.Kind = models.Kind(kind)
		ev.Payload = []byte(payload)
		ev.ObservedAt = fromNanos(observed)
		ev.ReceivedAt = fromNanos(received)
		out = append(out, ev)
	}
	return out, storageErr("list raw events", rows.Err())
}

func (s *SQLiteStore) InsertCanonicalEvent(ctx context.Context, ev models.CanonicalEvent) (bool, error) {
	measurements, labels, err := encodeCanonical(ev)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_events(user_id, id, raw_event_id, kind, day, observed_at, time_zone,
			measurements, labels, schema_version, canonical_version, logic_version, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING
	`, ev.UserID, ev.ID, ev.RawEventID, string(ev.Kind), ev.Day, nanos(ev.ObservedAt), ev.TimeZone,
		string(measurements), string(labels), ev.SchemaVersion, ev.CanonicalVersion, ev.LogicVersion, nanos(ev.CreatedAt))
	if err != nil {
		return false, storageErr("insert canonical event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("insert canonical event", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListCanonicalEvents(ctx context.Context, userID, fromDay, toDay string) ([]models.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, id, raw_event_id, kind, day, observed_at, time_zone, measurements, labels,
		       schema_version, canonical_version, logic_version, created_at
		FROM canonical_events
		WHERE user_id=? AND day >= ? AND day <= ?
		ORDER BY observed_at, id
	`, userID, fromDay, toDay)
	if err != nil {
		return nil, storageErr("list canonical events", err)
	}
	defer rows.Close()

	var out []models.CanonicalEvent
	for rows.Next() {
		var ev models.CanonicalEvent
		var kind, measurements, labels string
		var observed, created int64
		if err := rows.Scan(&ev.UserID, &ev.ID, &ev.RawEventID, &kind, &ev.Day, &observed, &ev.TimeZone,
			&measurements, &labels, &ev.SchemaVersion, &ev.CanonicalVersion, &ev.LogicVersion, &created); err != nil {
			return nil, storageErr("scan canonical event", err)
		}
		ev.Kind = models.Kind(kind)
		ev.ObservedAt = fromNanos(observed)
		ev.CreatedAt = fromNanos(created)
		if err := decodeCanonical(&ev, []byte(measurements), []byte(labels)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, storageErr("list canonical events", rows.Err())
}

func (s *SQLiteStore) CommitRun(ctx context.Context, snap models.RunSnapshot) (models.RunSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RunSnapshot{}, storageErr("begin run commit", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prevNanos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(computed_at) FROM derived_ledger_runs WHERE user_id=? AND day=?
	`, snap.Run.UserID, snap.Run.Day).Scan(&prevNanos); err != nil {
		return models.RunSnapshot{}, storageErr("read latest run", err)
	}
	var prev *time.Time
	if prevNanos.Valid {
		t := fromNanos(prevNanos.Int64)
		prev = &t
	}
	stamp(&snap, commitTime(snap.Run.ComputedAt, prev))

	enc, err := encodeSnapshot(snap)
	if err != nil {
		return models.RunSnapshot{}, err
	}
	run := snap.Run
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO derived_ledger_runs(run_id, user_id, day, triggered_by_event_id, computed_at,
			pipeline_version, status, missing_inputs, daily_fact, health_score, insights)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, run.RunID, run.UserID, run.Day, run.TriggeredByEventID, nanos(run.ComputedAt), run.PipelineVersion,
		run.Status, string(enc.missing), string(enc.fact), string(enc.score), string(enc.insights)); err != nil {
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
			VALUES (?,?,?,?,?)
			ON CONFLICT (user_id, day) DO UPDATE
			   SET run_id = excluded.run_id, computed_at = excluded.computed_at, doc = excluded.doc
			 WHERE (%[1]s.computed_at, %[1]s.run_id) < (excluded.computed_at, excluded.run_id)
		`, latest.table)
		if _, err := tx.ExecContext(ctx, query, run.UserID, run.Day, run.RunID, nanos(run.ComputedAt), string(latest.doc)); err != nil {
			return models.RunSnapshot{}, storageErr("upsert "+latest.table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.RunSnapshot{}, storageErr("commit run", err)
	}
	return snap, nil
}

const sqliteRunColumns = `run_id, user_id, day, triggered_by_event_id, computed_at, pipeline_version, status, missing_inputs`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scanner, extra ...any) (models.DerivedLedgerRun, error) {
	var run models.DerivedLedgerRun
	var computed int64
	var missing string
	dest := append([]any{&run.RunID, &run.UserID, &run.Day, &run.TriggeredByEventID, &computed,
		&run.PipelineVersion, &run.Status, &missing}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.DerivedLedgerRun{}, err
	}
	run.ComputedAt = fromNanos(computed)
	if err := decodeJSON([]byte(missing), &run.MissingInputs); err != nil {
		return models.DerivedLedgerRun{}, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, userID, day string) ([]models.DerivedLedgerRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRunColumns+`
		FROM derived_ledger_runs
		WHERE user_id=? AND day=?
		ORDER BY computed_at, run_id
	`, userID, day)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer rows.Close()

	var out []models.DerivedLedgerRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, storageErr("scan run", err)
		}
		out = append(out, run)
	}
	return out, storageErr("list runs", rows.Err())
}

func (s *SQLiteStore) getSnapshot(ctx context.Context, where string, args ...any) (models.RunSnapshot, error) {
	var fact, score, insights string
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRunColumns+`, daily_fact, health_score, insights
		FROM derived_ledger_runs
		WHERE `+where+`
		ORDER BY computed_at DESC, run_id DESC
		LIMIT 1
	`, args...)
	run, err := scanSQLiteRun(row, &fact, &score, &insights)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.RunSnapshot{}, storageErr("get run", err)
	}
	return decodeSnapshot(run, []byte(fact), []byte(score), []byte(insights))
}

func (s *SQLiteStore) GetRun(ctx context.Context, userID, day, runID string) (models.RunSnapshot, error) {
	return s.getSnapshot(ctx, `user_id=? AND day=? AND run_id=?`, userID, day, runID)
}

func (s *SQLiteStore) GetRunAsOf(ctx context.Context, userID, day string, asOf time.Time) (models.RunSnapshot, error) {
	return s.getSnapshot(ctx, `user_id=? AND day=? AND computed_at <= ?`, userID, day, nanos(asOf))
}

func (s *SQLiteStore) GetLatest(ctx context.Context, userID, day string) (models.RunSnapshot, error) {
	var fact, score, insights string
	row := s.db.QueryRowContext(ctx, `
		SELECT r.run_id, r.user_id, r.day, r.triggered_by_event_id, r.computed_at, r.pipeline_version,
		       r.status, r.missing_inputs, f.doc, sc.doc, i.doc
		FROM daily_facts f
		JOIN health_scores sc ON sc.user_id = f.user_id AND sc.day = f.day
		JOIN insights i ON i.user_id = f.user_id AND i.day = f.day
		JOIN derived_ledger_runs r ON r.run_id = f.run_id
		WHERE f.user_id=? AND f.day=?
	`, userID, day)
	run, err := scanSQLiteRun(row, &fact, &score, &insights)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.RunSnapshot{}, storageErr("get latest", err)
	}
	return decodeSnapshot(run, []byte(fact), []byte(score), []byte(insights))
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f models.FailureEntry) error {
	details, err := encodeJSON(f.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_failures(id, user_id, day, code, message, raw_event_id, details, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING
	`, f.ID, f.UserID, f.Day, f.Code, f.Message, f.RawEventID, string(details), nanos(f.CreatedAt))
	return storageErr("record failure", err)
}

func (s *SQLiteStore) ListFailures(ctx context.Context, userID, day string) ([]models.FailureEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, day, code, message, raw_event_id, details, created_at
		FROM pipeline_failures
		WHERE user_id=? AND (? = '' OR day = ?)
		ORDER BY created_at, id
	`, userID, day, day)
	if err != nil {
		return nil, storageErr("list failures", err)
	}
	defer rows.Close()

	var out []models.FailureEntry
	for rows.Next() {
		var f models.FailureEntry
		var details string
		var created int64
		if err := rows.Scan(&f.ID, &f.UserID, &f.Day, &f.Code, &f.Message, &f.RawEventID, &details, &created); err != nil {
			return nil, storageErr("scan failure", err)
		}
		f.CreatedAt = fromNanos(created)
		if err := decodeJSON([]byte(details), &f.Details); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, storageErr("list failures", rows.Err())
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) (models.DeletionCounts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DeletionCounts{}, storageErr("begin delete user", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var counts models.DeletionCounts
	for _, step := range deleteSteps(&counts) {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id=?`, step.table), userID)
		if err != nil {
			return models.DeletionCounts{}, storageErr("delete "+step.table, err)
		}
		if step.count != nil {
			n, err := res.RowsAffected()
			if err != nil {
				return models.DeletionCounts{}, storageErr("delete "+step.table, err)
			}
			*step.count = n
		}
	}
	if err := tx.Commit(); err != nil {
		return models.DeletionCounts{}, storageErr("commit delete user", err)
	}
	return counts, nil
}
