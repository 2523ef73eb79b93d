// Package normalize maps raw events into versioned canonical events.
package normalize

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/metrics"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/queue"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// Stage is the normalization state of one raw event.
type Stage string

const (
	StageReceived  Stage = "received"
	StageMapped    Stage = "mapped"
	StageSucceeded Stage = "succeeded"
	StageRejected  Stage = "rejected"
)

var (
	canonicalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:oli:canonical-event"))
	failureNamespace   = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:oli:pipeline-failure"))
)

// CanonicalID is the deterministic id of the canonical event for a raw event
// at a logic version.
func CanonicalID(rawEventID string, logicVersion int) string {
	return uuid.NewSHA1(canonicalNamespace, []byte(rawEventID+"/"+strconv.Itoa(logicVersion))).String()
}

// FailureID is the deterministic id of a failure entry, so redelivery of the
// same rejected input records it once.
func FailureID(parts ...string) string {
	var b []byte
	for i, p := range parts {
		if i > 0 {
			b = append(b, '/')
		}
		b = append(b, p...)
	}
	return uuid.NewSHA1(failureNamespace, b).String()
}

// Store is the persistence the pipeline needs.
type Store interface {
	GetRawEvent(ctx context.Context, userID, id string) (models.RawEvent, error)
	InsertCanonicalEvent(ctx context.Context, ev models.CanonicalEvent) (bool, error)
	RecordFailure(ctx context.Context, f models.FailureEntry) error
}

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg queue.Message) error
}

// Outcome reports how one raw event was processed.
type Outcome struct {
	RawEventID string
	Stage      Stage
	Event      *models.CanonicalEvent
	// Inserted is false when the canonical event already existed.
	Inserted bool
	Failure  *models.FailureEntry
}

// Options wires a Pipeline.
type Options struct {
	Store    Store
	Pub      Publisher
	Topic    string
	Versions config.Versions
	Registry *Registry
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Pipeline normalizes raw events at one version set.
type Pipeline struct {
	store    Store
	pub      Publisher
	topic    string
	versions config.Versions
	registry *Registry
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		store:    opts.Store,
		pub:      opts.Pub,
		topic:    opts.Topic,
		versions: opts.Versions,
		registry: opts.Registry,
		now:      opts.Now,
		log:      opts.Logger.With("component", "normalize"),
		metrics:  opts.Metrics,
	}
}

// Handle is the raw topic handler.
func (p *Pipeline) Handle(ctx context.Context, msg queue.Message) error {
	var ev models.RawEventCreated
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	_, err := p.Process(ctx, ev.UserID, ev.RawEventID)
	return err
}

// Process runs one raw event through received -> mapped -> succeeded|rejected.
//
// A missing mapper or an unmappable payload is terminal: it is recorded as a
// FailureEntry and Process returns a rejected Outcome with a nil error.
// Storage and publish failures are returned so the bus can redeliver; running
// Process again for the same raw event writes no second canonical event.
func (p *Pipeline) Process(ctx context.Context, userID, rawEventID string) (Outcome, error) {
	out := Outcome{RawEventID: rawEventID, Stage: StageReceived}
	log := p.log.With("user_id", userID, "raw_event_id", rawEventID)

	raw, err := p.store.GetRawEvent(ctx, userID, rawEventID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted with the account after it was published.
		log.Warn("raw event not found, skipping")
		out.Stage = StageRejected
		return out, nil
	}
	if err != nil {
		p.metrics.Normalized("unknown", "error")
		return out, err
	}

	mapper, ok := p.registry.Lookup(raw.Kind, raw.SchemaVersion)
	if !ok {
		return p.reject(ctx, out, raw, apperr.Mapping(CodeMappingNotFound,
			"no mapping for "+string(raw.Kind)+" schema version "+strconv.Itoa(raw.SchemaVersion)))
	}
	mapped, err := mapper(raw)
	if err != nil {
		return p.reject(ctx, out, raw, err)
	}
	out.Stage = StageMapped

	ev := models.CanonicalEvent{
		ID:               CanonicalID(raw.ID, p.versions.Logic),
		UserID:           raw.UserID,
		RawEventID:       raw.ID,
		Kind:             raw.Kind,
		Day:              DayKey(raw.ObservedAt, raw.TimeZone),
		ObservedAt:       raw.ObservedAt,
		TimeZone:         raw.TimeZone,
		Measurements:     mapped.Measurements,
		Labels:           mapped.Labels,
		SchemaVersion:    raw.SchemaVersion,
		CanonicalVersion: p.versions.Canonical,
		LogicVersion:     p.versions.Logic,
		CreatedAt:        p.now().UTC(),
	}
	inserted, err := p.store.InsertCanonicalEvent(ctx, ev)
	if err != nil {
		p.metrics.Normalized(string(raw.Kind), "error")
		return out, err
	}
	out.Event = &ev
	out.Inserted = inserted

	msg, err := queue.NewMessage(userID+"/"+ev.Day, models.CanonicalEventWritten{
		UserID:           ev.UserID,
		Day:              ev.Day,
		CanonicalEventID: ev.ID,
		RawEventID:       ev.RawEventID,
	})
	if err != nil {
		return out, err
	}
	if err := p.pub.Publish(ctx, p.topic, msg); err != nil {
		p.metrics.Normalized(string(raw.Kind), "error")
		return out, apperr.Transient("publish canonical event", err)
	}

	out.Stage = StageSucceeded
	p.metrics.Normalized(string(raw.Kind), string(StageSucceeded))
	log.Info("raw event normalized", "canonical_event_id", ev.ID, "day", ev.Day, "inserted", inserted)
	return out, nil
}

func (p *Pipeline) reject(ctx context.Context, out Outcome, raw models.RawEvent, cause error) (Outcome, error) {
	code := apperr.Code(cause)
	if !apperr.Is(cause, apperr.KindMapping) {
		code = CodeMappingInvalid
	}
	f := models.FailureEntry{
		ID:         FailureID(raw.ID, code, strconv.Itoa(p.versions.Logic)),
		UserID:     raw.UserID,
		Day:        DayKey(raw.ObservedAt, raw.TimeZone),
		Code:       code,
		Message:    cause.Error(),
		RawEventID: raw.ID,
		Details: map[string]string{
			"kind":          string(raw.Kind),
			"schemaVersion": strconv.Itoa(raw.SchemaVersion),
			"logicVersion":  strconv.Itoa(p.versions.Logic),
		},
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.RecordFailure(ctx, f); err != nil {
		return out, err
	}
	out.Stage = StageRejected
	out.Failure = &f
	p.metrics.Normalized(string(raw.Kind), string(StageRejected))
	p.metrics.Failure(code)
	p.log.Warn("raw event rejected", "user_id", raw.UserID, "raw_event_id", raw.ID, "code", code, "err", cause)
	return out, nil
}
