package models

import "time"

// Run status values.
const (
	RunComplete   = "complete"
	RunIncomplete = "incomplete"
)

// DerivedLedgerRun is one immutable execution of the rollup for a user/day.
type DerivedLedgerRun struct {
	RunID              string    `json:"runId"`
	UserID             string    `json:"userId"`
	Day                string    `json:"day"`
	TriggeredByEventID string    `json:"triggeredByEventId"`
	ComputedAt         time.Time `json:"computedAt"`
	PipelineVersion    int       `json:"pipelineVersion"`
	Status             string    `json:"status"`
	MissingInputs      []string  `json:"missingInputs"`
}

// Provenance is stamped on every derived document.
type Provenance struct {
	RunID                  string     `json:"runId"`
	ComputedAt             time.Time  `json:"computedAt"`
	PipelineVersion        int        `json:"pipelineVersion"`
	LatestCanonicalEventAt *time.Time `json:"latestCanonicalEventAt"`
	MissingInputs          []string   `json:"missingInputs"`
}

// DailyFact aggregates a user's canonical events for one day.
type DailyFact struct {
	UserID string `json:"userId"`
	Day    string `json:"day"`
	Provenance

	EventsCount         int      `json:"eventsCount"`
	WeightKg            *float64 `json:"weightKg,omitempty"`
	BodyFatPercent      *float64 `json:"bodyFatPercent,omitempty"`
	SleepMinutes        *float64 `json:"sleepMinutes,omitempty"`
	Steps               *float64 `json:"steps,omitempty"`
	WorkoutCount        int      `json:"workoutCount"`
	WorkoutMinutes      float64  `json:"workoutMinutes"`
	WorkoutCaloriesKcal float64  `json:"workoutCaloriesKcal"`
	WorkoutDistanceKm   float64  `json:"workoutDistanceKm"`
}

// Baseline summarises the trailing window used by the score model.
type Baseline struct {
	Days            int      `json:"days"`
	AvgSleepMinutes *float64 `json:"avgSleepMinutes,omitempty"`
	AvgSteps        *float64 `json:"avgSteps,omitempty"`
	LastWeightKg    *float64 `json:"lastWeightKg,omitempty"`
}

// HealthScore is the 0..100 composite score for a day.
type HealthScore struct {
	UserID string `json:"userId"`
	Day    string `json:"day"`
	Provenance

	Total      float64            `json:"total"`
	Components map[string]float64 `json:"components"`
	Baseline   Baseline           `json:"baseline"`
}

// Insight is one generated observation about a day.
type Insight struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Insights is the insight document for a day.
type Insights struct {
	UserID string `json:"userId"`
	Day    string `json:"day"`
	Provenance

	Items []Insight `json:"items"`
}

// RunSnapshot is everything one run produced. The store keeps one per run so
// any run can be replayed exactly.
type RunSnapshot struct {
	Run         DerivedLedgerRun `json:"run"`
	DailyFact   DailyFact        `json:"dailyFact"`
	HealthScore HealthScore      `json:"healthScore"`
	Insights    Insights         `json:"insights"`
}

// FailureEntry records an input that a pipeline stage could not process.
type FailureEntry struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Day        string            `json:"day,omitempty"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	RawEventID string            `json:"rawEventId,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// DeletionCounts reports what an account deletion removed.
type DeletionCounts struct {
	RawEvents       int64 `json:"rawEvents"`
	CanonicalEvents int64 `json:"canonicalEvents"`
	Runs            int64 `json:"runs"`
	Facts           int64 `json:"facts"`
	Failures        int64 `json:"failures"`
}
