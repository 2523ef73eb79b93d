package store

import (
	"encoding/json"
	"fmt"

	"github.com/danielhendel/oli-sub005/internal/models"
)

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

func encodeCanonical(ev models.CanonicalEvent) (measurements, labels []byte, err error) {
	m := ev.Measurements
	if m == nil {
		m = map[string]float64{}
	}
	l := ev.Labels
	if l == nil {
		l = map[string]string{}
	}
	if measurements, err = encodeJSON(m); err != nil {
		return nil, nil, err
	}
	if labels, err = encodeJSON(l); err != nil {
		return nil, nil, err
	}
	return measurements, labels, nil
}

func decodeCanonical(ev *models.CanonicalEvent, measurements, labels []byte) error {
	if err := decodeJSON(measurements, &ev.Measurements); err != nil {
		return err
	}
	if err := decodeJSON(labels, &ev.Labels); err != nil {
		return err
	}
	if len(ev.Labels) == 0 {
		ev.Labels = nil
	}
	return nil
}

type encodedSnapshot struct {
	missing  []byte
	fact     []byte
	score    []byte
	insights []byte
}

func encodeSnapshot(snap models.RunSnapshot) (encodedSnapshot, error) {
	missing := snap.Run.MissingInputs
	if missing == nil {
		missing = []string{}
	}
	var enc encodedSnapshot
	var err error
	if enc.missing, err = encodeJSON(missing); err != nil {
		return enc, err
	}
	if enc.fact, err = encodeJSON(snap.DailyFact); err != nil {
		return enc, err
	}
	if enc.score, err = encodeJSON(snap.HealthScore); err != nil {
		return enc, err
	}
	if enc.insights, err = encodeJSON(snap.Insights); err != nil {
		return enc, err
	}
	return enc, nil
}

func decodeSnapshot(run models.DerivedLedgerRun, fact, score, insights []byte) (models.RunSnapshot, error) {
	snap := models.RunSnapshot{Run: run}
	if err := decodeJSON(fact, &snap.DailyFact); err != nil {
		return models.RunSnapshot{}, err
	}
	if err := decodeJSON(score, &snap.HealthScore); err != nil {
		return models.RunSnapshot{}, err
	}
	if err := decodeJSON(insights, &snap.Insights); err != nil {
		return models.RunSnapshot{}, err
	}
	return snap, nil
}

type deleteStep struct {
	table string
	count *int64
}

// deleteSteps lists the tables an account deletion clears, children first.
func deleteSteps(counts *models.DeletionCounts) []deleteStep {
	return []deleteStep{
		{"daily_facts", &counts.Facts},
		{"health_scores", nil},
		{"insights", nil},
		{"derived_ledger_runs", &counts.Runs},
		{"canonical_events", &counts.CanonicalEvents},
		{"raw_events", &counts.RawEvents},
		{"pipeline_failures", &counts.Failures},
	}
}
