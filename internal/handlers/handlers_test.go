package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/ledger"
	"github.com/danielhendel/oli-sub005/internal/models"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeIngester struct {
	user, key string
	body      []byte
	err       error
}

func (f *fakeIngester) IngestJSON(_ context.Context, userID, key string, body []byte) (models.IngestResponse, error) {
	f.user, f.key, f.body = userID, key, body
	if f.err != nil {
		return models.IngestResponse{}, f.err
	}
	return models.IngestResponse{Accepted: true, TraceID: "t-1", RawEventID: "r-1"}, nil
}

type fakeLedger struct {
	sel  ledger.Selector
	view ledger.View
	err  error
}

func (f *fakeLedger) Runs(_ context.Context, _, day string) ([]models.DerivedLedgerRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.DerivedLedgerRun{f.view.Run}, nil
}

func (f *fakeLedger) Replay(_ context.Context, _, _ string, sel ledger.Selector) (ledger.View, error) {
	f.sel = sel
	return f.view, f.err
}

func (f *fakeLedger) Latest(ctx context.Context, userID, day string) (ledger.View, error) {
	return f.Replay(ctx, userID, day, ledger.Selector{})
}

type fakeFailures struct{}

func (fakeFailures) ListFailures(context.Context, string, string) ([]models.FailureEntry, error) {
	return nil, nil
}

type fakeDeleter struct{ err error }

func (f fakeDeleter) Delete(context.Context, string, string) (models.DeletionCounts, error) {
	return models.DeletionCounts{RawEvents: 3}, f.err
}

// withUser stands in for the bearer middleware.
func withUser(c *gin.Context) {
	c.Set("user_id", "u1")
	c.Next()
}

func newRouter(register func(gin.IRoutes)) *gin.Engine {
	r := gin.New()
	register(r.Group("/", withUser))
	return r
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return b
}

func TestIngest_Accepted(t *testing.T) {
	in := &fakeIngester{}
	r := newRouter(func(g gin.IRoutes) { RegisterEventRoutes(g, in) })

	w := do(r, http.MethodPost, "/events/ingest", `{"type":"steps"}`, map[string]string{"Idempotency-Key": "k1"})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"accepted":true,"traceId":"t-1","rawEventId":"r-1"}`, w.Body.String())
	assert.Equal(t, "u1", in.user)
	assert.Equal(t, "k1", in.key)
	assert.Equal(t, `{"type":"steps"}`, string(in.body))
}

func TestIngest_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Validation("invalid ingest request", apperr.FieldError{Field: "type", Message: "bad"}), http.StatusBadRequest, "invalid_request"},
		{"duplicate", apperr.Duplicate("k1"), http.StatusConflict, "duplicate_request"},
		{"rate limited", apperr.RateLimited(1500 * time.Millisecond), http.StatusTooManyRequests, "rate_limited"},
		{"storage", apperr.Transient("insert", errors.New("down")), http.StatusServiceUnavailable, "storage_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(func(g gin.IRoutes) { RegisterEventRoutes(g, &fakeIngester{err: tt.err}) })
			w := do(r, http.MethodPost, "/events/ingest", `{}`, nil)

			assert.Equal(t, tt.status, w.Code)
			b := decodeError(t, w)
			assert.Equal(t, tt.code, b.Error)
			assert.NotEmpty(t, b.Message)
		})
	}
}

func TestWriteError_DetailsAndRetryAfter(t *testing.T) {
	r := newRouter(func(g gin.IRoutes) {
		RegisterEventRoutes(g, &fakeIngester{err: apperr.Validation("invalid", apperr.FieldError{Field: "payload.value", Message: "minimum 0"})})
	})
	w := do(r, http.MethodPost, "/events/ingest", `{}`, nil)
	b := decodeError(t, w)
	require.Len(t, b.Details, 1)
	assert.Equal(t, "payload.value", b.Details[0].Field)

	r = newRouter(func(g gin.IRoutes) { RegisterEventRoutes(g, &fakeIngester{err: apperr.RateLimited(1500 * time.Millisecond)}) })
	w = do(r, http.MethodPost, "/events/ingest", `{}`, nil)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func sampleView(version int) ledger.View {
	at := time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC)
	return ledger.View{
		DailyFact: models.DailyFact{UserID: "u1", Day: "2026-01-15", EventsCount: 2},
		Run:       models.DerivedLedgerRun{
			RunID: "run-1", UserID: "u1", Day: "2026-01-15",
			ComputedAt: at, PipelineVersion: version, Status: models.RunComplete,
		},
	}
}

func TestReplay_Selectors(t *testing.T) {
	l := &fakeLedger{view: sampleView(1)}
	r := newRouter(func(g gin.IRoutes) { RegisterLedgerRoutes(g, l, fakeFailures{}) })

	w := do(r, http.MethodGet, "/users/me/derived-ledger/replay?day=2026-01-15&runId=run-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "run-1", l.sel.RunID)
	assert.Nil(t, l.sel.AsOf)

	w = do(r, http.MethodGet, "/users/me/derived-ledger/replay?day=2026-01-15&asOf=2026-01-15T20:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, l.sel.AsOf)
	assert.True(t, l.sel.AsOf.Equal(time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC)))

	w = do(r, http.MethodGet, "/users/me/derived-ledger/replay?day=2026-01-15&asOf=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "asOf", decodeError(t, w).Details[0].Field)
}

func TestReplay_NotFoundCodes(t *testing.T) {
	for _, code := range []string{ledger.CodeMissing, ledger.CodeNotFound} {
		l := &fakeLedger{err: apperr.NotFound(code, "nothing")}
		r := newRouter(func(g gin.IRoutes) { RegisterLedgerRoutes(g, l, fakeFailures{}) })

		w := do(r, http.MethodGet, "/users/me/derived-ledger/replay?day=2026-01-15", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, code, decodeError(t, w).Error)
	}
}

func TestReplay_ExpectedPipelineVersion(t *testing.T) {
	l := &fakeLedger{view: sampleView(1)}
	r := newRouter(func(g gin.IRoutes) { RegisterLedgerRoutes(g, l, fakeFailures{}) })

	w := do(r, http.MethodGet, "/users/me/derived-ledger/replay?day=2026-01-15&expectedPipelineVersion=2", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "pipeline_version_mismatch", decodeError(t, w).Error)

	w = do(r, http.MethodGet, "/users/me/days/2026-01-15?expectedPipelineVersion=1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/users/me/days/2026-01-15?expectedPipelineVersion=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunsAndDay(t *testing.T) {
	l := &fakeLedger{view: sampleView(1)}
	r := newRouter(func(g gin.IRoutes) { RegisterLedgerRoutes(g, l, fakeFailures{}) })

	w := do(r, http.MethodGet, "/users/me/derived-ledger/runs?day=2026-01-15", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs struct {
		Runs []models.DerivedLedgerRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "run-1", runs.Runs[0].RunID)

	w = do(r, http.MethodGet, "/users/me/days/2026-01-15", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var day map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &day))
	assert.EqualValues(t, 2, day["eventsCount"])
	assert.Contains(t, day, "dailyFact")
	assert.Contains(t, day, "provenance")
}

func TestFailures(t *testing.T) {
	r := newRouter(func(g gin.IRoutes) { RegisterLedgerRoutes(g, &fakeLedger{}, fakeFailures{}) })

	w := do(r, http.MethodGet, "/users/me/failures", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"failures":[]}`, w.Body.String())

	w = do(r, http.MethodGet, "/users/me/failures?day=15-01-2026", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountDelete(t *testing.T) {
	r := newRouter(func(g gin.IRoutes) { RegisterAccountRoutes(g, fakeDeleter{}) })
	w := do(r, http.MethodPost, "/account/delete", "", map[string]string{"Idempotency-Key": "d1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var b struct {
		Deleted bool                  `json:"deleted"`
		Counts  models.DeletionCounts `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.True(t, b.Deleted)
	assert.Equal(t, int64(3), b.Counts.RawEvents)

	r = newRouter(func(g gin.IRoutes) { RegisterAccountRoutes(g, fakeDeleter{err: apperr.Duplicate("d1")}) })
	w = do(r, http.MethodPost, "/account/delete", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
