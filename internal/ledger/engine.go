// Package ledger rolls canonical events up into per-day derived documents and
// keeps every computation as a replayable run.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/metrics"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
	"github.com/danielhendel/oli-sub005/internal/queue"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// Replay error codes. CodeMissing means the day has never been rolled up;
// CodeNotFound means runs exist but none matches the selector.
const (
	CodeMissing  = "missing"
	CodeNotFound = "not_found"
)

// Store is the persistence the engine needs.
type Store interface {
	ListCanonicalEvents(ctx context.Context, userID, fromDay, toDay string) ([]models.CanonicalEvent, error)
	CommitRun(ctx context.Context, snap models.RunSnapshot) (models.RunSnapshot, error)
	ListRuns(ctx context.Context, userID, day string) ([]models.DerivedLedgerRun, error)
	GetRun(ctx context.Context, userID, day, runID string) (models.RunSnapshot, error)
	GetRunAsOf(ctx context.Context, userID, day string, asOf time.Time) (models.RunSnapshot, error)
	GetLatest(ctx context.Context, userID, day string) (models.RunSnapshot, error)
}

// Selector picks a run for replay. With neither field set the latest run is
// returned.
type Selector struct {
	RunID string
	AsOf  *time.Time
}

// View is the read model served for a day: the three output documents and
// the provenance they share.
type View struct {
	DailyFact   models.DailyFact        `json:"dailyFact"`
	HealthScore models.HealthScore      `json:"healthScore"`
	Insights    models.Insights         `json:"insights"`
	Provenance  models.Provenance       `json:"provenance"`
	Run         models.DerivedLedgerRun `json:"run"`
}

// NewView builds the read model of a committed run.
func NewView(snap models.RunSnapshot) View {
	return View{
		DailyFact:   snap.DailyFact,
		HealthScore: snap.HealthScore,
		Insights:    snap.Insights,
		Provenance:  snap.DailyFact.Provenance,
		Run:         snap.Run,
	}
}

// Options wires an Engine.
type Options struct {
	Store           Store
	PipelineVersion int
	Now             func() time.Time
	NewRunID        func() string
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Engine computes and serves derived ledger runs.
type Engine struct {
	store    Store
	version  int
	now      func() time.Time
	newRunID func() string
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = newRunID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		version:  opts.PipelineVersion,
		now:      opts.Now,
		newRunID: opts.NewRunID,
		log:      opts.Logger.With("component", "ledger"),
		metrics:  opts.Metrics,
	}
}

// newRunID returns a time-ordered UUIDv7.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PipelineVersion is the version stamped on every run this engine commits.
func (e *Engine) PipelineVersion() int { return e.version }

// Handle is the canonical topic handler. A message whose canonical event no
// longer exists (the account was deleted while it was queued) is dropped.
func (e *Engine) Handle(ctx context.Context, msg queue.Message) error {
	var ev models.CanonicalEventWritten
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	if !normalize.ValidDay(ev.Day) {
		return invalidDay(ev.Day)
	}
	events, err := e.store.ListCanonicalEvents(ctx, ev.UserID, ev.Day, ev.Day)
	if err != nil {
		return err
	}
	if !containsEvent(events, ev.CanonicalEventID) {
		e.log.Info("canonical event gone, skipping rollup",
			"user_id", ev.UserID, "day", ev.Day, "canonical_event_id", ev.CanonicalEventID)
		return nil
	}
	_, err = e.RollupDay(ctx, ev.UserID, ev.Day, ev.CanonicalEventID)
	return err
}

func containsEvent(events []models.CanonicalEvent, id string) bool {
	for _, ev := range events {
		if ev.ID == id {
			return true
		}
	}
	return false
}

// RollupDay recomputes the derived documents of (userID, day) and commits
// them with a new run. Calling it again always appends another run; the store
// orders runs by computedAt so the last commit is the latest.
func (e *Engine) RollupDay(ctx context.Context, userID, day, triggeredBy string) (models.DerivedLedgerRun, error) {
	start := time.Now()
	from, err := windowStart(day)
	if err != nil {
		return models.DerivedLedgerRun{}, apperr.Validation("invalid day", apperr.FieldError{Field: "day", Message: err.Error()})
	}
	events, err := e.store.ListCanonicalEvents(ctx, userID, from, day)
	if err != nil {
		return models.DerivedLedgerRun{}, err
	}

	snap := compute(userID, day, events)
	snap.Run.RunID = e.newRunID()
	snap.Run.TriggeredByEventID = triggeredBy
	snap.Run.PipelineVersion = e.version
	snap.Run.ComputedAt = e.now().UTC()
	for _, p := range []*models.Provenance{&snap.DailyFact.Provenance, &snap.HealthScore.Provenance, &snap.Insights.Provenance} {
		p.RunID = snap.Run.RunID
		p.PipelineVersion = e.version
		p.ComputedAt = snap.Run.ComputedAt
	}

	committed, err := e.store.CommitRun(ctx, snap)
	if err != nil {
		e.log.Warn("rollup commit failed", "user_id", userID, "day", day, "err", err)
		return models.DerivedLedgerRun{}, err
	}
	e.metrics.Rollup(committed.Run.Status, time.Since(start))
	e.log.Info("rollup committed",
		"user_id", userID, "day", day, "run_id", committed.Run.RunID,
		"computed_at", committed.Run.ComputedAt, "status", committed.Run.Status,
		"events", committed.DailyFact.EventsCount)
	return committed.Run, nil
}

// Runs lists the runs of a day ordered by computedAt.
func (e *Engine) Runs(ctx context.Context, userID, day string) ([]models.DerivedLedgerRun, error) {
	if !normalize.ValidDay(day) {
		return nil, invalidDay(day)
	}
	return e.store.ListRuns(ctx, userID, day)
}

// Replay returns the outputs of the run chosen by sel.
func (e *Engine) Replay(ctx context.Context, userID, day string, sel Selector) (View, error) {
	if !normalize.ValidDay(day) {
		return View{}, invalidDay(day)
	}
	var (
		snap models.RunSnapshot
		err  error
	)
	switch {
	case sel.RunID != "" && sel.AsOf != nil:
		return View{}, apperr.Validation("runId and asOf are exclusive",
			apperr.FieldError{Field: "runId", Message: "cannot be combined with asOf"})
	case sel.RunID != "":
		snap, err = e.store.GetRun(ctx, userID, day, sel.RunID)
	case sel.AsOf != nil:
		snap, err = e.store.GetRunAsOf(ctx, userID, day, *sel.AsOf)
	default:
		snap, err = e.store.GetLatest(ctx, userID, day)
	}
	if errors.Is(err, store.ErrNotFound) {
		return View{}, e.notFound(ctx, userID, day)
	}
	if err != nil {
		return View{}, err
	}
	return NewView(snap), nil
}

// Latest returns the current truth for a day.
func (e *Engine) Latest(ctx context.Context, userID, day string) (View, error) {
	return e.Replay(ctx, userID, day, Selector{})
}

func (e *Engine) notFound(ctx context.Context, userID, day string) error {
	runs, err := e.store.ListRuns(ctx, userID, day)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return apperr.NotFound(CodeMissing, "no runs for "+day)
	}
	return apperr.NotFound(CodeNotFound, "no run matches the selector")
}

func invalidDay(day string) error {
	return apperr.Validation("invalid day", apperr.FieldError{Field: "day", Message: "expected YYYY-MM-DD, got " + day})
}

// CheckVersion is the read-side version gate: a document produced by an older
// pipeline than expected is stale.
func CheckVersion(got, expected int) error {
	if got < expected {
		return apperr.VersionMismatch(got, expected)
	}
	return nil
}
