package models

// RawEventCreated is published on the raw topic after the gateway persists a RawEvent.
type RawEventCreated struct {
	UserID     string `json:"userId"`
	RawEventID string `json:"rawEventId"`
	TraceID    string `json:"traceId,omitempty"`
}

// CanonicalEventWritten is published on the canonical topic once a
// CanonicalEvent exists for a raw event.
type CanonicalEventWritten struct {
	UserID           string `json:"userId"`
	Day              string `json:"day"`
	CanonicalEventID string `json:"canonicalEventId"`
	RawEventID       string `json:"rawEventId"`
}
