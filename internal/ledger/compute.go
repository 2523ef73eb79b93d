package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
)

// BaselineDays is the trailing window read before the rolled-up day.
const BaselineDays = 7

// Score targets.
const (
	targetSleepMinutes   = 480.0
	targetSteps          = 10000.0
	targetWorkoutMinutes = 30.0
	shortSleepMinutes    = 360.0
)

// Score component names.
const (
	ComponentSleep    = "sleep"
	ComponentActivity = "activity"
	ComponentTraining = "training"
)

// latestLogic keeps, for every raw event, only the canonical event with the
// highest logic version.
func latestLogic(events []models.CanonicalEvent) []models.CanonicalEvent {
	best := map[string]int{}
	for i, ev := range events {
		j, ok := best[ev.RawEventID]
		if !ok || ev.LogicVersion > events[j].LogicVersion {
			best[ev.RawEventID] = i
		}
	}
	out := make([]models.CanonicalEvent, 0, len(best))
	for i, ev := range events {
		if best[ev.RawEventID] == i {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// windowStart returns the first day of the baseline window for day.
func windowStart(day string) (string, error) {
	d, err := time.Parse(normalize.DayLayout, day)
	if err != nil {
		return "", fmt.Errorf("ledger: invalid day %q: %w", day, err)
	}
	return d.AddDate(0, 0, -BaselineDays).Format(normalize.DayLayout), nil
}

type dayTotals struct {
	events         int
	weightKg       *float64
	bodyFat        *float64
	sleepMinutes   *float64
	steps          *float64
	workouts       int
	workoutMinutes float64
	calories       float64
	distanceKm     float64
	latestInput    *time.Time
	kinds          map[models.Kind]bool
}

func addPtr(p **float64, v float64) {
	if *p == nil {
		*p = new(float64)
	}
	**p += v
}

func setPtr(p **float64, v float64) {
	x := v
	*p = &x
}

// totals aggregates events already sorted by observedAt. Weight and body fat
// take the last reading; durations and counts are summed.
func totals(events []models.CanonicalEvent) dayTotals {
	t := dayTotals{kinds: map[models.Kind]bool{}}
	for _, ev := range events {
		t.events++
		t.kinds[ev.Kind] = true
		if t.latestInput == nil || ev.CreatedAt.After(*t.latestInput) {
			at := ev.CreatedAt
			t.latestInput = &at
		}
		m := ev.Measurements
		switch ev.Kind {
		case models.KindWeight:
			if v, ok := m[normalize.MeasureWeightKg]; ok {
				setPtr(&t.weightKg, v)
			}
			if v, ok := m[normalize.MeasureBodyFatPercent]; ok {
				setPtr(&t.bodyFat, v)
			}
		case models.KindSleep:
			addPtr(&t.sleepMinutes, m[normalize.MeasureSleepMinutes])
		case models.KindSteps:
			addPtr(&t.steps, m[normalize.MeasureSteps])
		case models.KindWorkout:
			t.workouts++
			t.workoutMinutes += m[normalize.MeasureWorkoutMinutes]
			t.calories += m[normalize.MeasureCaloriesKcal]
			t.distanceKm += m[normalize.MeasureDistanceKm]
		}
	}
	return t
}

func (t dayTotals) missing() []string {
	missing := []string{}
	for _, k := range models.Kinds {
		if !t.kinds[k] {
			missing = append(missing, string(k))
		}
	}
	return missing
}

// baseline summarises the days before the rolled-up day. Averages only count
// days that have the input.
func baseline(prior []models.CanonicalEvent) models.Baseline {
	byDay := map[string][]models.CanonicalEvent{}
	for _, ev := range prior {
		byDay[ev.Day] = append(byDay[ev.Day], ev)
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	b := models.Baseline{Days: len(days)}
	var sleepSum, stepsSum float64
	var sleepDays, stepsDays int
	for _, d := range days {
		t := totals(byDay[d])
		if t.sleepMinutes != nil {
			sleepSum += *t.sleepMinutes
			sleepDays++
		}
		if t.steps != nil {
			stepsSum += *t.steps
			stepsDays++
		}
		if t.weightKg != nil {
			setPtr(&b.LastWeightKg, *t.weightKg)
		}
	}
	if sleepDays > 0 {
		setPtr(&b.AvgSleepMinutes, round1(sleepSum/float64(sleepDays)))
	}
	if stepsDays > 0 {
		setPtr(&b.AvgSteps, round1(stepsSum/float64(stepsDays)))
	}
	return b
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func ratio(v, target float64) float64 {
	return round1(math.Min(v/target, 1) * 100)
}

// score averages the components whose inputs are present.
func score(t dayTotals) (float64, map[string]float64) {
	c := map[string]float64{}
	if t.sleepMinutes != nil {
		c[ComponentSleep] = ratio(*t.sleepMinutes, targetSleepMinutes)
	}
	if t.steps != nil {
		c[ComponentActivity] = ratio(*t.steps, targetSteps)
	}
	if t.workouts > 0 {
		c[ComponentTraining] = ratio(t.workoutMinutes, targetWorkoutMinutes)
	}
	if len(c) == 0 {
		return 0, c
	}
	var sum float64
	for _, v := range c {
		sum += v
	}
	return round1(sum / float64(len(c))), c
}

func insights(t dayTotals, b models.Baseline, missing []string) []models.Insight {
	items := []models.Insight{}
	add := func(kind, severity, title, msg string) {
		items = append(items, models.Insight{ID: kind, Kind: kind, Severity: severity, Title: title, Message: msg})
	}

	if t.sleepMinutes != nil {
		s := *t.sleepMinutes
		if s < shortSleepMinutes {
			add("short_sleep", "warn", "Short sleep", fmt.Sprintf("You slept %.0f minutes, under %.0f.", s, shortSleepMinutes))
		}
		if b.AvgSleepMinutes != nil && s < *b.AvgSleepMinutes*0.85 {
			add("sleep_below_baseline", "warn", "Less sleep than usual",
				fmt.Sprintf("%.0f minutes against a %d-day average of %.0f.", s, BaselineDays, *b.AvgSleepMinutes))
		}
	}
	if t.steps != nil && *t.steps >= targetSteps {
		add("step_goal_met", "info", "Step goal met", fmt.Sprintf("%.0f steps today.", *t.steps))
	}
	if t.weightKg != nil && b.LastWeightKg != nil {
		delta := *t.weightKg - *b.LastWeightKg
		if math.Abs(delta) >= 1 {
			add("weight_change", "info", "Weight change", fmt.Sprintf("%+.1f kg since your last weigh-in.", delta))
		}
	}
	if t.workouts > 0 {
		add("workout_logged", "info", "Workout logged",
			fmt.Sprintf("%d workout(s), %.0f minutes.", t.workouts, t.workoutMinutes))
	}
	if len(missing) > 0 && len(missing) < len(models.Kinds) {
		add("missing_inputs", "info", "Incomplete day", fmt.Sprintf("No data for: %v.", missing))
	}
	return items
}

// compute builds the run snapshot for day from the events of the baseline
// window and the day itself. Provenance is completed by the caller.
func compute(userID, day string, events []models.CanonicalEvent) models.RunSnapshot {
	events = latestLogic(events)
	var today, prior []models.CanonicalEvent
	for _, ev := range events {
		switch {
		case ev.Day == day:
			today = append(today, ev)
		case ev.Day < day:
			prior = append(prior, ev)
		}
	}

	t := totals(today)
	missing := t.missing()
	b := baseline(prior)
	total, components := score(t)

	prov := models.Provenance{LatestCanonicalEventAt: t.latestInput, MissingInputs: missing}
	status := models.RunComplete
	if len(missing) > 0 {
		status = models.RunIncomplete
	}

	return models.RunSnapshot{
		Run: models.DerivedLedgerRun{
			UserID:        userID,
			Day:           day,
			Status:        status,
			MissingInputs: missing,
		},
		DailyFact: models.DailyFact{
			UserID:              userID,
			Day:                 day,
			Provenance:          prov,
			EventsCount:         t.events,
			WeightKg:            t.weightKg,
			BodyFatPercent:      t.bodyFat,
			SleepMinutes:        t.sleepMinutes,
			Steps:               t.steps,
			WorkoutCount:        t.workouts,
			WorkoutMinutes:      t.workoutMinutes,
			WorkoutCaloriesKcal: t.calories,
			WorkoutDistanceKm:   math.Round(t.distanceKm*1000) / 1000,
		},
		HealthScore: models.HealthScore{
			UserID:     userID,
			Day:        day,
			Provenance: prov,
			Total:      total,
			Components: components,
			Baseline:   b,
		},
		Insights: models.Insights{
			UserID:     userID,
			Day:        day,
			Provenance: prov,
			Items:      insights(t, b, missing),
		},
	}
}
