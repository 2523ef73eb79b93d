package models

import (
	"encoding/json"
	"time"
)

// Kind identifies the category of a health observation.
type Kind string

const (
	KindWeight  Kind = "weight"
	KindSleep   Kind = "sleep"
	KindSteps   Kind = "steps"
	KindWorkout Kind = "workout"
)

// Kinds lists every kind the gateway accepts, in rollup order.
var Kinds = []Kind{KindWeight, KindSleep, KindSteps, KindWorkout}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IdempotencyRecord marks a client-supplied key as seen until ExpiresAt.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RawEvent is an observation exactly as accepted by the ingestion gateway.
// It is never mutated after being written.
type RawEvent struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	SourceID      string          `json:"sourceId"`
	SourceType    string          `json:"sourceType"`
	Provider      string          `json:"provider"`
	Kind          Kind            `json:"kind"`
	ObservedAt    time.Time       `json:"observedAt"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	TimeZone      string          `json:"timeZone"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schemaVersion"`
}

// CanonicalEvent is a RawEvent mapped into canonical units at a given logic version.
// Measurements use canonical units: kilograms, minutes, kilometres, kilocalories.
type CanonicalEvent struct {
	ID               string             `json:"id"`
	UserID           string             `json:"userId"`
	RawEventID       string             `json:"rawEventId"`
	Kind             Kind               `json:"kind"`
	Day              string             `json:"day"`
	ObservedAt       time.Time          `json:"observedAt"`
	TimeZone         string             `json:"timeZone"`
	Measurements     map[string]float64 `json:"measurements"`
	Labels           map[string]string  `json:"labels,omitempty"`
	SchemaVersion    int                `json:"schemaVersion"`
	CanonicalVersion int                `json:"canonicalVersion"`
	LogicVersion     int                `json:"logicVersion"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// EventSource describes where an observation came from (device, vendor, manual entry).
type EventSource struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// IngestRequest is the POST /events/ingest payload.
// occurredAt defaults to the receive time and timeZone to UTC.
type IngestRequest struct {
	Type          string          `json:"type"`
	Source        *EventSource    `json:"source,omitempty"`
	OccurredAt    string          `json:"occurredAt,omitempty"`
	TimeZone      string          `json:"timeZone,omitempty"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// IngestResponse is returned with 202 Accepted.
type IngestResponse struct {
	Accepted   bool   `json:"accepted"`
	TraceID    string `json:"traceId"`
	RawEventID string `json:"rawEventId,omitempty"`
}
