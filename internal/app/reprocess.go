package app

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/ledger"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
	"github.com/danielhendel/oli-sub005/internal/queue"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// TriggerReprocess is the triggeredBy value of runs committed by a reprocess.
const TriggerReprocess = "reprocess"

// ReprocessFilter selects raw events of one user. Day and RawEventID are
// exclusive; with neither set every raw event of the user is selected.
type ReprocessFilter struct {
	Day        string
	RawEventID string
}

// ReprocessReport summarizes one reprocessing pass.
type ReprocessReport struct {
	UserID       string                    `json:"userId"`
	LogicVersion int                       `json:"logicVersion"`
	Processed    int                       `json:"processed"`
	Inserted     int                       `json:"inserted"`
	Rejected     int                       `json:"rejected"`
	Runs         []models.DerivedLedgerRun `json:"runs"`
}

// Reprocessor runs stored raw events through normalization again at the
// configured versions, then rolls up every day they land on once.
//
// It recovers raw events whose message was lost (publish_failed,
// retry_exhausted) and applies a new logic version to existing data.
type Reprocessor struct {
	store    store.Store
	pipeline *normalize.Pipeline
	engine   *ledger.Engine
	versions config.Versions
	log      *slog.Logger
}

// NewReprocessor wires a Reprocessor on st. Only Now and Logger of opts are
// used.
func NewReprocessor(st store.Store, v config.Versions, opts Options) *Reprocessor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reprocessor{
		store: st,
		pipeline: normalize.NewPipeline(normalize.Options{
			Store:    st,
			Pub:      discard{},
			Versions: v,
			Now:      opts.Now,
			Logger:   opts.Logger,
		}),
		engine: ledger.NewEngine(ledger.Options{
			Store:           st,
			PipelineVersion: v.Pipeline,
			Now:             opts.Now,
			Logger:          opts.Logger,
		}),
		versions: v,
		log:      opts.Logger.With("component", "reprocess"),
	}
}

// discard drops canonical topic messages; Run rolls up days itself.
type discard struct{}

func (discard) Publish(context.Context, string, queue.Message) error { return nil }

// Run reprocesses the raw events of userID selected by f. A storage error
// stops the pass; events already processed keep their canonical events.
func (r *Reprocessor) Run(ctx context.Context, userID string, f ReprocessFilter) (ReprocessReport, error) {
	report := ReprocessReport{UserID: userID, LogicVersion: r.versions.Logic, Runs: []models.DerivedLedgerRun{}}

	raws, err := r.selectRaw(ctx, userID, f)
	if err != nil {
		return report, err
	}

	days := map[string]bool{}
	for _, raw := range raws {
		out, err := r.pipeline.Process(ctx, userID, raw.ID)
		if err != nil {
			return report, err
		}
		report.Processed++
		switch out.Stage {
		case normalize.StageSucceeded:
			if out.Inserted {
				report.Inserted++
			}
			days[out.Event.Day] = true
		case normalize.StageRejected:
			report.Rejected++
		}
	}

	ordered := make([]string, 0, len(days))
	for day := range days {
		ordered = append(ordered, day)
	}
	sort.Strings(ordered)
	for _, day := range ordered {
		run, err := r.engine.RollupDay(ctx, userID, day, TriggerReprocess)
		if err != nil {
			return report, err
		}
		report.Runs = append(report.Runs, run)
	}

	r.log.Info("reprocess finished",
		"user_id", userID, "logic_version", r.versions.Logic, "processed", report.Processed,
		"inserted", report.Inserted, "rejected", report.Rejected, "days", len(ordered))
	return report, nil
}

func (r *Reprocessor) selectRaw(ctx context.Context, userID string, f ReprocessFilter) ([]models.RawEvent, error) {
	switch {
	case userID == "":
		return nil, apperr.Validation("user required", apperr.FieldError{Field: "user", Message: "required"})
	case f.Day != "" && f.RawEventID != "":
		return nil, apperr.Validation("day and rawEventId are exclusive",
			apperr.FieldError{Field: "day", Message: "cannot be combined with rawEventId"})
	case f.Day != "" && !normalize.ValidDay(f.Day):
		return nil, apperr.Validation("invalid day", apperr.FieldError{Field: "day", Message: "expected YYYY-MM-DD, got " + f.Day})
	}

	if f.RawEventID != "" {
		raw, err := r.store.GetRawEvent(ctx, userID, f.RawEventID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(ledger.CodeNotFound, "no raw event "+f.RawEventID)
		}
		if err != nil {
			return nil, err
		}
		return []models.RawEvent{raw}, nil
	}

	all, err := r.store.ListRawEvents(ctx, userID)
	if err != nil || f.Day == "" {
		return all, err
	}
	var out []models.RawEvent
	for _, raw := range all {
		if normalize.DayKey(raw.ObservedAt, raw.TimeZone) == f.Day {
			out = append(out, raw)
		}
	}
	return out, nil
}
