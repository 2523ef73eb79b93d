package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhendel/oli-sub005/internal/models"
)

// Behavior shared by every backend. Each case gets an empty store.

var t0 = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

var storeCases = []struct {
	name string
	run  func(t *testing.T, s Store)
}{
	{"IdempotencyKeyLiveDuplicateAndExpiry", testIdempotencyKeyLiveDuplicateAndExpiry},
	{"RawEventRoundTrip", testRawEventRoundTrip},
	{"CanonicalEventOnePerRawAndLogicVersion", testCanonicalEventOnePerRawAndLogicVersion},
	{"CommitRunMonotonicComputedAt", testCommitRunMonotonicComputedAt},
	{"GetRunAsOfAndByID", testGetRunAsOfAndByID},
	{"GetLatestNeverObservesMixedRuns", testGetLatestNeverObservesMixedRuns},
	{"FailuresAndDeleteUser", testFailuresAndDeleteUser},
}

// runStoreCases runs every shared case against a fresh store from open.
func runStoreCases(t *testing.T, open func(t *testing.T) Store) {
	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, open(t))
		})
	}
}

func testSnapshot(userID, day, runID string, at time.Time) models.RunSnapshot {
	prov := models.Provenance{RunID: runID, ComputedAt: at, PipelineVersion: 1, MissingInputs: []string{"sleep"}}
	return models.RunSnapshot{
		Run: models.DerivedLedgerRun{
			RunID: runID, UserID: userID, Day: day, TriggeredByEventID: "ce-1",
			ComputedAt: at, PipelineVersion: 1, Status: models.RunIncomplete, MissingInputs: []string{"sleep"},
		},
		DailyFact:   models.DailyFact{UserID: userID, Day: day, Provenance: prov, EventsCount: 1},
		HealthScore: models.HealthScore{UserID: userID, Day: day, Provenance: prov, Total: 50},
		Insights:    models.Insights{UserID: userID, Day: day, Provenance: prov, Items: []models.Insight{}},
	}
}

func testIdempotencyKeyLiveDuplicateAndExpiry(t *testing.T, s Store) {
	ctx := context.Background()

	rec := models.IdempotencyRecord{Key: "k1", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}
	created, err := s.CreateIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	again := models.IdempotencyRecord{Key: "k1", CreatedAt: t0.Add(time.Minute), ExpiresAt: t0.Add(time.Hour + time.Minute)}
	created, err = s.CreateIdempotencyKey(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	later := models.IdempotencyRecord{Key: "k1", CreatedAt: t0.Add(2 * time.Hour), ExpiresAt: t0.Add(3 * time.Hour)}
	created, err = s.CreateIdempotencyKey(ctx, later)
	require.NoError(t, err)
	assert.True(t, created, "expired record is replaced")

	n, err := s.DeleteExpiredIdempotencyKeys(ctx, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testRawEventRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	ev := models.RawEvent{
		ID: "raw-1", UserID: "u1", SourceID: "scale-1", SourceType: "device", Provider: "withings",
		Kind: models.KindWeight, ObservedAt: t0, ReceivedAt: t0.Add(time.Second), TimeZone: "America/New_York",
		Payload: json.RawMessage(`{"value":82.5,"unit":"kg"}`), SchemaVersion: 1,
	}
	require.NoError(t, s.InsertRawEvent(ctx, ev))

	got, err := s.GetRawEvent(ctx, "u1", "raw-1")
	require.NoError(t, err)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.True(t, ev.ObservedAt.Equal(got.ObservedAt))
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))

	_, err = s.GetRawEvent(ctx, "u2", "raw-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Raw events are write-once.
	assert.Error(t, s.InsertRawEvent(ctx, ev))

	later := ev
	later.ID = "raw-0"
	later.ReceivedAt = t0.Add(time.Minute)
	require.NoError(t, s.InsertRawEvent(ctx, later))

	all, err := s.ListRawEvents(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "raw-1", all[0].ID, "arrival order")
	assert.Equal(t, "raw-0", all[1].ID)
	assert.Equal(t, "withings", all[0].Provider)

	none, err := s.ListRawEvents(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCanonicalEventOnePerRawAndLogicVersion(t *testing.T, s Store) {
	ctx := context.Background()

	ev := models.CanonicalEvent{
		ID: "ce-1", UserID: "u1", RawEventID: "raw-1", Kind: models.KindWeight, Day: "2026-01-15",
		ObservedAt: t0, TimeZone: "UTC", Measurements: map[string]float64{"weight_kg": 82.5},
		SchemaVersion: 1, CanonicalVersion: 1, LogicVersion: 1, CreatedAt: t0,
	}
	inserted, err := s.InsertCanonicalEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := ev
	dup.ID = "ce-other"
	inserted, err = s.InsertCanonicalEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "same raw event and logic version")

	v2 := ev
	v2.ID = "ce-2"
	v2.LogicVersion = 2
	inserted, err = s.InsertCanonicalEvent(ctx, v2)
	require.NoError(t, err)
	assert.True(t, inserted)

	events, err := s.ListCanonicalEvents(ctx, "u1", "2026-01-15", "2026-01-15")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 82.5, events[0].Measurements["weight_kg"])

	events, err = s.ListCanonicalEvents(ctx, "u1", "2026-01-16", "2026-01-20")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testCommitRunMonotonicComputedAt(t *testing.T, s Store) {
	ctx := context.Background()

	first, err := s.CommitRun(ctx, testSnapshot("u1", "2026-01-15", "run-b", t0))
	require.NoError(t, err)
	assert.True(t, first.Run.ComputedAt.Equal(t0))

	// A run computed "earlier" by a skewed clock still commits after the first.
	second, err := s.CommitRun(ctx, testSnapshot("u1", "2026-01-15", "run-a", t0.Add(-time.Second)))
	require.NoError(t, err)
	assert.True(t, second.Run.ComputedAt.Equal(t0.Add(time.Millisecond)))
	assert.True(t, second.DailyFact.ComputedAt.Equal(second.Run.ComputedAt))

	latest, err := s.GetLatest(ctx, "u1", "2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, "run-a", latest.Run.RunID)
	assert.Equal(t, "run-a", latest.DailyFact.RunID)

	runs, err := s.ListRuns(ctx, "u1", "2026-01-15")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Equal(t, "run-a", runs[1].RunID)
	assert.Equal(t, []string{"sleep"}, runs[0].MissingInputs)
}

func testGetRunAsOfAndByID(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.CommitRun(ctx, testSnapshot("u1", "2026-01-15", "run-1", t0))
	require.NoError(t, err)
	_, err = s.CommitRun(ctx, testSnapshot("u1", "2026-01-15", "run-2", t0.Add(time.Hour)))
	require.NoError(t, err)

	snap, err := s.GetRunAsOf(ctx, "u1", "2026-01-15", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.Run.RunID)

	snap, err = s.GetRunAsOf(ctx, "u1", "2026-01-15", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "run-2", snap.Run.RunID)

	_, err = s.GetRunAsOf(ctx, "u1", "2026-01-15", t0.Add(-time.Second))
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err = s.GetRun(ctx, "u1", "2026-01-15", "run-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, snap.HealthScore.Total)

	_, err = s.GetRun(ctx, "u1", "2026-01-15", "run-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testGetLatestNeverObservesMixedRuns(t *testing.T, s Store) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := s.CommitRun(ctx, testSnapshot("u1", "2026-01-15", fmt.Sprintf("run-%d-%d", i, j), t0))
				assert.NoError(t, err)
			}
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for k := 0; k < 50; k++ {
			snap, err := s.GetLatest(ctx, "u1", "2026-01-15")
			if err == ErrNotFound {
				continue
			}
			if assert.NoError(t, err) {
				assert.Equal(t, snap.Run.RunID, snap.DailyFact.RunID)
				assert.Equal(t, snap.Run.RunID, snap.HealthScore.RunID)
				assert.Equal(t, snap.Run.RunID, snap.Insights.RunID)
			}
		}
	}()
	wg.Wait()
	<-done

	runs, err := s.ListRuns(ctx, "u1", "2026-01-15")
	require.NoError(t, err)
	assert.Len(t, runs, 40)
	latest, err := s.GetLatest(ctx, "u1", "2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, runs[len(runs)-1].RunID, latest.Run.RunID)
}

func testFailuresAndDeleteUser(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.RecordFailure(ctx, models.FailureEntry{
		ID: "f1", UserID: "u1", Day: "2026-01-15", Code: "mapping_not_found", Message: "no mapper",
		RawEventID: "raw-1", Details: map[string]string{"kind": "weight"}, CreatedAt: t0,
	}))
	require.NoError(t, s.InsertRawEvent(ctx, models.RawEvent{
		ID: "raw-1", UserID: "u1", Kind: models.KindSteps, ObservedAt: t0, ReceivedAt: t0,
		TimeZone: "UTC", Payload: json.RawMessage(`{"count":1}`), SchemaVersion: 1,
	}))
	_, err := s.CommitRun(ctx, testSnapshot("u1", "2026-01-15", "run-1", t0))
	require.NoError(t, err)

	require.NoError(t, s.RecordFailure(ctx, models.FailureEntry{
		ID: "f2", UserID: "u1", Day: "2026-01-16", Code: "publish_failed", Message: "bus closed",
		RawEventID: "raw-2", Details: map[string]string{}, CreatedAt: t0.Add(time.Hour),
	}))

	failures, err := s.ListFailures(ctx, "u1", "2026-01-15")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "weight", failures[0].Details["kind"])

	// An empty day lists every day.
	failures, err = s.ListFailures(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "f1", failures[0].ID)
	assert.Equal(t, "f2", failures[1].ID)

	counts, err := s.DeleteUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DeletionCounts{RawEvents: 1, Runs: 1, Facts: 1, Failures: 2}, counts)

	_, err = s.GetLatest(ctx, "u1", "2026-01-15")
	assert.ErrorIs(t, err, ErrNotFound)
}
