package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
	"github.com/danielhendel/oli-sub005/internal/readiness"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// execute runs the root command with args and stdin, returning stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seed writes one canonical weight event for u1 on 2026-01-15.
func seed(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cli.db")
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer st.Close()

	at := time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)
	_, err = st.InsertCanonicalEvent(ctx, models.CanonicalEvent{
		ID:               normalize.CanonicalID("r1", 1),
		UserID:           "u1",
		RawEventID:       "r1",
		Kind:             models.KindWeight,
		Day:              "2026-01-15",
		ObservedAt:       at,
		TimeZone:         "America/New_York",
		Measurements:     map[string]float64{normalize.MeasureWeightKg: 82.5},
		SchemaVersion:    1,
		CanonicalVersion: 1,
		LogicVersion:     1,
		CreatedAt:        at,
	})
	require.NoError(t, err)
	return dbPath
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "", "--format", "yaml", "resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestResolve(t *testing.T) {
	input := `{"network":"ok","payloadValid":true,"eventsCount":5,
		"computedAt":"2025-01-01T00:00:00Z","latestCanonicalEventAt":"2025-01-01T00:00:00Z",
		"pipelineVersion":1,"expectedPipelineVersion":1}`

	out, err := execute(t, input, "--format", "json", "resolve")
	require.NoError(t, err)
	var res readiness.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, readiness.Result{State: readiness.StateReady, Reason: readiness.ReasonReady}, res)

	out, err = execute(t, `{"network":"loading","eventsCount":0}`, "resolve")
	require.NoError(t, err)
	assert.Equal(t, "partial (network-loading)\n", out)
}

func TestResolve_BadInput(t *testing.T) {
	for _, input := range []string{`not json`, `{"network":"offline"}`, `{"network":"ok","zodValid":true}`} {
		_, err := execute(t, input, "resolve")
		require.Error(t, err, input)
		assert.Equal(t, ExitCommandError, GetExitCode(err), input)
	}
}

func TestReplay_MissingFlags(t *testing.T) {
	_, err := execute(t, "", "replay", "--db", "x.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplay_EmptyDay(t *testing.T) {
	dbPath := seed(t)

	out, err := execute(t, "", "--format", "json", "replay", "--db", dbPath, "--user", "u1", "--day", "2026-01-15")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Nil(t, res.View)
	assert.Equal(t, "missing", res.Error)
	assert.Equal(t, readiness.Result{State: readiness.StateMissing, Reason: readiness.ReasonNoEvents}, res.Readiness)
}

func TestRollupThenReplay(t *testing.T) {
	dbPath := seed(t)

	out, err := execute(t, "", "--format", "json", "rollup", "--db", dbPath, "--user", "u1", "--day", "2026-01-15")
	require.NoError(t, err)
	var run models.DerivedLedgerRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.NotEmpty(t, run.RunID)

	out, err = execute(t, "", "--format", "json", "replay", "--db", dbPath, "--user", "u1", "--day", "2026-01-15")
	require.NoError(t, err)
	var res ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.View)
	assert.Equal(t, run.RunID, res.View.Run.RunID)
	require.NotNil(t, res.View.DailyFact.WeightKg)
	assert.Equal(t, 82.5, *res.View.DailyFact.WeightKg)
	assert.Equal(t, readiness.StateReady, res.Readiness.State)

	// A newer expected pipeline makes the run stale.
	_, err = execute(t, "", "replay", "--db", dbPath, "--user", "u1", "--day", "2026-01-15", "--pipeline-version", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), readiness.ReasonPipelineVersionMismatch)

	out, err = execute(t, "", "replay", "--db", dbPath, "--user", "u1", "--day", "2026-01-15", "--as-of", "2000-01-01T00:00:00Z")
	require.Error(t, err)
	assert.Contains(t, out, "No outputs: not_found")
}

func TestReplay_ExclusiveSelectors(t *testing.T) {
	dbPath := seed(t)
	_, err := execute(t, "", "replay", "--db", dbPath, "--user", "u1", "--day", "2026-01-15",
		"--run-id", "r", "--as-of", "2026-01-15T00:00:00Z")
	require.Error(t, err)
}

func TestSweep(t *testing.T) {
	dbPath := seed(t)
	out, err := execute(t, "", "sweep", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "Deleted 0 expired idempotency key(s)\n", out)
}

func TestToken(t *testing.T) {
	out, err := execute(t, "", "token", "--user", "u1", "--secret", "s3cret")
	require.NoError(t, err)

	user, err := auth.NewVerifier(config.AuthConfig{JWTSecret: "s3cret"}, nil).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
}

// seedRaw adds the raw weight event behind the canonical event from seed.
func seedRaw(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer st.Close()

	at := time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertRawEvent(ctx, models.RawEvent{
		ID:            "r1",
		UserID:        "u1",
		SourceType:    "manual",
		Kind:          models.KindWeight,
		ObservedAt:    at,
		ReceivedAt:    at,
		TimeZone:      "America/New_York",
		Payload:       []byte(`{"value":185,"unit":"lb"}`),
		SchemaVersion: 1,
	}))
}

// versionEnv pins the version settings so the host environment cannot leak in.
func versionEnv(t *testing.T, logic string) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SCHEMA_VERSION", "")
	t.Setenv("CANONICAL_VERSION", "")
	t.Setenv("PIPELINE_VERSION", "")
	t.Setenv("LOGIC_VERSION", logic)
}

func TestReprocess_NewLogicVersionWins(t *testing.T) {
	dbPath := seed(t)
	seedRaw(t, dbPath)

	_, err := execute(t, "", "rollup", "--db", dbPath, "--user", "u1", "--day", "2026-01-15")
	require.NoError(t, err)

	versionEnv(t, "2")
	out, err := execute(t, "", "--format", "json", "reprocess", "--db", dbPath, "--user", "u1")
	require.NoError(t, err)
	var report struct {
		LogicVersion int                       `json:"logicVersion"`
		Processed    int                       `json:"processed"`
		Inserted     int                       `json:"inserted"`
		Rejected     int                       `json:"rejected"`
		Runs         []models.DerivedLedgerRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.LogicVersion)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Inserted)
	assert.Zero(t, report.Rejected)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, "2026-01-15", report.Runs[0].Day)
	assert.Equal(t, "reprocess", report.Runs[0].TriggeredByEventID)

	// The day now reflects the logic version 2 mapping of the raw event.
	out, err = execute(t, "", "--format", "json", "replay", "--db", dbPath, "--user", "u1", "--day", "2026-01-15")
	require.NoError(t, err)
	var res ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.View)
	assert.Equal(t, report.Runs[0].RunID, res.View.Run.RunID)
	require.NotNil(t, res.View.DailyFact.WeightKg)
	assert.InDelta(t, 83.91, *res.View.DailyFact.WeightKg, 0.01)

	// Same versions again: nothing new is written, the day is rolled up again.
	out, err = execute(t, "", "reprocess", "--db", dbPath, "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reprocessed 1 raw event(s) at logic version 2: 0 new canonical, 0 rejected")
}

func TestReprocess_Filters(t *testing.T) {
	dbPath := seed(t)
	seedRaw(t, dbPath)
	versionEnv(t, "1")

	out, err := execute(t, "", "reprocess", "--db", dbPath, "--user", "u1", "--day", "2026-01-16")
	require.NoError(t, err)
	assert.Equal(t, "Reprocessed 0 raw event(s) at logic version 1: 0 new canonical, 0 rejected\n", out)

	out, err = execute(t, "", "reprocess", "--db", dbPath, "--user", "u1", "--raw-event-id", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-01-15 run ")

	_, err = execute(t, "", "reprocess", "--db", dbPath, "--user", "u1", "--raw-event-id", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "", "reprocess", "--db", dbPath, "--user", "u1", "--day", "2026-01-15", "--raw-event-id", "r1")
	require.Error(t, err)
}
