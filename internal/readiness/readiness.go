// Package readiness decides whether derived data may be shown. Resolve is the
// only gate a client branches on.
package readiness

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/danielhendel/oli-sub005/internal/payload"
)

// Network is the state of the request that fetched the data.
type Network string

const (
	NetworkLoading Network = "loading"
	NetworkOK      Network = "ok"
	NetworkError   Network = "error"
)

// State is the closed readiness vocabulary.
type State string

const (
	StateMissing State = "missing"
	StatePartial State = "partial"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Reasons.
const (
	ReasonNetworkLoading          = "network-loading"
	ReasonNetworkError            = "network-error"
	ReasonNoEvents                = "no-events"
	ReasonInvalidPayload          = "invalid-payload"
	ReasonMissingMeta             = "missing-meta"
	ReasonPipelineVersionMismatch = "pipeline-version-mismatch"
	ReasonReady                   = "ready"
)

// Input is everything the resolver looks at.
type Input struct {
	Network                 Network    `json:"network"`
	PayloadValid            bool       `json:"payloadValid"`
	EventsCount             int        `json:"eventsCount"`
	ComputedAt              *time.Time `json:"computedAt,omitempty"`
	LatestCanonicalEventAt  *time.Time `json:"latestCanonicalEventAt,omitempty"`
	PipelineVersion         int        `json:"pipelineVersion"`
	ExpectedPipelineVersion int        `json:"expectedPipelineVersion"`
}

// Result is the resolver output.
type Result struct {
	State  State  `json:"state"`
	Reason string `json:"reason"`
}

// Resolve applies the readiness rules in order; the first match wins.
func Resolve(in Input) Result {
	switch {
	case in.Network == NetworkLoading:
		return Result{StatePartial, ReasonNetworkLoading}
	case in.Network == NetworkError:
		return Result{StateError, ReasonNetworkError}
	case in.EventsCount == 0:
		return Result{StateMissing, ReasonNoEvents}
	case !in.PayloadValid:
		return Result{StateError, ReasonInvalidPayload}
	case in.ComputedAt == nil || in.LatestCanonicalEventAt == nil:
		return Result{StatePartial, ReasonMissingMeta}
	case in.PipelineVersion != in.ExpectedPipelineVersion:
		return Result{StateError, ReasonPipelineVersionMismatch}
	default:
		return Result{StateReady, ReasonReady}
	}
}

//go:embed view.schema.json
var viewSchemaDoc []byte

var viewSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return payload.Compile("view.schema.json", viewSchemaDoc)
})

// ValidatePayload reports whether body is a well-formed day view, as served
// by the replay and day endpoints.
func ValidatePayload(body []byte) bool {
	sch, err := viewSchema()
	if err != nil {
		return false
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return sch.Validate(inst) == nil
}

// FromReplay builds the resolver input for a successfully fetched day view.
func FromReplay(body []byte, expectedPipelineVersion int) Input {
	in := Input{
		Network:                 NetworkOK,
		PayloadValid:            ValidatePayload(body),
		ExpectedPipelineVersion: expectedPipelineVersion,
	}
	var v struct {
		DailyFact struct {
			EventsCount int `json:"eventsCount"`
		} `json:"dailyFact"`
		Provenance struct {
			ComputedAt             *time.Time `json:"computedAt"`
			LatestCanonicalEventAt *time.Time `json:"latestCanonicalEventAt"`
			PipelineVersion        int        `json:"pipelineVersion"`
		} `json:"provenance"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		in.PayloadValid = false
		return in
	}
	in.EventsCount = v.DailyFact.EventsCount
	in.ComputedAt = v.Provenance.ComputedAt
	in.LatestCanonicalEventAt = v.Provenance.LatestCanonicalEventAt
	in.PipelineVersion = v.Provenance.PipelineVersion
	return in
}
