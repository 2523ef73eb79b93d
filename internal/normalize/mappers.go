package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/models"
)

// Measurement names in canonical units.
const (
	MeasureWeightKg       = "weight_kg"
	MeasureBodyFatPercent = "body_fat_percent"
	MeasureSleepMinutes   = "sleep_minutes"
	MeasureSteps          = "steps"
	MeasureWorkoutMinutes = "workout_minutes"
	MeasureCaloriesKcal   = "calories_kcal"
	MeasureDistanceKm     = "distance_km"

	LabelActivity = "activity"
)

const (
	kgPerLb = 0.45359237
	kmPerMi = 1.609344
)

// Failure codes recorded for rejected raw events.
const (
	CodeMappingNotFound = "mapping_not_found"
	CodeMappingInvalid  = "mapping_invalid"
)

// Mapped is the kind-specific part of a CanonicalEvent.
type Mapped struct {
	Measurements map[string]float64
	Labels       map[string]string
}

// Mapper converts a raw payload into canonical units. It returns an
// apperr mapping error when the payload cannot be mapped.
type Mapper func(raw models.RawEvent) (Mapped, error)

type mapperKey struct {
	kind          models.Kind
	schemaVersion int
}

// Registry selects a Mapper by (kind, schemaVersion).
type Registry struct {
	mappers map[mapperKey]Mapper
}

func NewRegistry() *Registry {
	return &Registry{mappers: map[mapperKey]Mapper{}}
}

// DefaultRegistry holds the schema version 1 mappers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.KindWeight, 1, mapWeightV1)
	r.Register(models.KindSleep, 1, mapSleepV1)
	r.Register(models.KindSteps, 1, mapStepsV1)
	r.Register(models.KindWorkout, 1, mapWorkoutV1)
	return r
}

func (r *Registry) Register(kind models.Kind, schemaVersion int, m Mapper) {
	r.mappers[mapperKey{kind, schemaVersion}] = m
}

func (r *Registry) Lookup(kind models.Kind, schemaVersion int) (Mapper, bool) {
	m, ok := r.mappers[mapperKey{kind, schemaVersion}]
	return m, ok
}

func invalid(format string, args ...any) error {
	return apperr.Mapping(CodeMappingInvalid, fmt.Sprintf(format, args...))
}

func decodePayload(raw models.RawEvent, v any) error {
	if err := json.Unmarshal(raw.Payload, v); err != nil {
		return invalid("%s payload: %v", raw.Kind, err)
	}
	return nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func mapWeightV1(raw models.RawEvent) (Mapped, error) {
	var p struct {
		Value          *float64 `json:"value"`
		Unit           string   `json:"unit"`
		BodyFatPercent *float64 `json:"bodyFatPercent"`
	}
	if err := decodePayload(raw, &p); err != nil {
		return Mapped{}, err
	}
	if p.Value == nil || *p.Value <= 0 {
		return Mapped{}, invalid("weight value must be positive")
	}
	kg := *p.Value
	switch strings.ToLower(p.Unit) {
	case "", "kg":
	case "lb":
		kg *= kgPerLb
	default:
		return Mapped{}, invalid("weight unit %q not supported", p.Unit)
	}
	out := Mapped{Measurements: map[string]float64{MeasureWeightKg: round(kg, 3)}}
	if p.BodyFatPercent != nil {
		if *p.BodyFatPercent < 0 || *p.BodyFatPercent > 100 {
			return Mapped{}, invalid("bodyFatPercent out of range")
		}
		out.Measurements[MeasureBodyFatPercent] = *p.BodyFatPercent
	}
	return out, nil
}

func mapSleepV1(raw models.RawEvent) (Mapped, error) {
	var p struct {
		DurationMinutes *float64 `json:"durationMinutes"`
		DurationHours   *float64 `json:"durationHours"`
		Start           string   `json:"start"`
		End             string   `json:"end"`
	}
	if err := decodePayload(raw, &p); err != nil {
		return Mapped{}, err
	}

	var minutes float64
	switch {
	case p.DurationMinutes != nil:
		minutes = *p.DurationMinutes
	case p.DurationHours != nil:
		minutes = *p.DurationHours * 60
	case p.Start != "" && p.End != "":
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return Mapped{}, invalid("sleep start: %v", err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return Mapped{}, invalid("sleep end: %v", err)
		}
		if !end.After(start) {
			return Mapped{}, invalid("sleep end must be after start")
		}
		minutes = end.Sub(start).Minutes()
	default:
		return Mapped{}, invalid("sleep needs durationMinutes, durationHours or start and end")
	}
	if minutes < 0 || minutes > 24*60 {
		return Mapped{}, invalid("sleep duration %.0f minutes out of range", minutes)
	}
	return Mapped{Measurements: map[string]float64{MeasureSleepMinutes: round(minutes, 2)}}, nil
}

func mapStepsV1(raw models.RawEvent) (Mapped, error) {
	var p struct {
		Count *float64 `json:"count"`
	}
	if err := decodePayload(raw, &p); err != nil {
		return Mapped{}, err
	}
	if p.Count == nil || *p.Count < 0 || *p.Count != math.Trunc(*p.Count) {
		return Mapped{}, invalid("steps count must be a non-negative integer")
	}
	return Mapped{Measurements: map[string]float64{MeasureSteps: *p.Count}}, nil
}

func mapWorkoutV1(raw models.RawEvent) (Mapped, error) {
	var p struct {
		DurationMinutes *float64 `json:"durationMinutes"`
		Calories        *float64 `json:"calories"`
		Distance        *float64 `json:"distance"`
		DistanceUnit    string   `json:"distanceUnit"`
		Activity        string   `json:"activity"`
	}
	if err := decodePayload(raw, &p); err != nil {
		return Mapped{}, err
	}
	if p.DurationMinutes == nil || *p.DurationMinutes <= 0 {
		return Mapped{}, invalid("workout durationMinutes must be positive")
	}
	out := Mapped{Measurements: map[string]float64{MeasureWorkoutMinutes: *p.DurationMinutes}}
	if p.Calories != nil {
		if *p.Calories < 0 {
			return Mapped{}, invalid("workout calories must not be negative")
		}
		out.Measurements[MeasureCaloriesKcal] = *p.Calories
	}
	if p.Distance != nil {
		if *p.Distance < 0 {
			return Mapped{}, invalid("workout distance must not be negative")
		}
		km := *p.Distance
		switch strings.ToLower(p.DistanceUnit) {
		case "", "km":
		case "mi":
			km *= kmPerMi
		default:
			return Mapped{}, invalid("distance unit %q not supported", p.DistanceUnit)
		}
		out.Measurements[MeasureDistanceKm] = round(km, 3)
	}
	if a := strings.TrimSpace(p.Activity); a != "" {
		out.Labels = map[string]string{LabelActivity: strings.ToLower(a)}
	}
	return out, nil
}
