// Package ingest accepts raw observations: it validates them, deduplicates by
// idempotency key, persists the RawEvent and hands it to normalization.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/idempotency"
	"github.com/danielhendel/oli-sub005/internal/metrics"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
	"github.com/danielhendel/oli-sub005/internal/payload"
	"github.com/danielhendel/oli-sub005/internal/queue"
	"github.com/danielhendel/oli-sub005/internal/ratelimit"
)

// Idempotency scope of ingestion requests.
const Scope = "ingest"

// CodePublishFailed is recorded when an accepted raw event could not be
// handed to normalization.
const CodePublishFailed = "publish_failed"

// Store is the persistence the gateway needs.
type Store interface {
	InsertRawEvent(ctx context.Context, ev models.RawEvent) error
	RecordFailure(ctx context.Context, f models.FailureEntry) error
}

// Options wires a Gateway.
type Options struct {
	Store         Store
	Guard         *idempotency.Guard
	Limiter       ratelimit.Limiter
	Validator     *payload.Validator
	Pub           normalize.Publisher
	Topic         string
	TTL           time.Duration
	SchemaVersion int
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Gateway is the ingestion entry point. Authentication happens before it.
type Gateway struct {
	store         Store
	guard         *idempotency.Guard
	limiter       ratelimit.Limiter
	validator     *payload.Validator
	pub           normalize.Publisher
	topic         string
	ttl           time.Duration
	schemaVersion int
	now           func() time.Time
	log           *slog.Logger
	metrics       *metrics.Metrics
}

func NewGateway(opts Options) *Gateway {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = 1
	}
	return &Gateway{
		store:         opts.Store,
		guard:         opts.Guard,
		limiter:       opts.Limiter,
		validator:     opts.Validator,
		pub:           opts.Pub,
		topic:         opts.Topic,
		ttl:           opts.TTL,
		schemaVersion: opts.SchemaVersion,
		now:           opts.Now,
		log:           opts.Logger.With("component", "ingest"),
		metrics:       opts.Metrics,
	}
}

// Ingest runs the checks in order: idempotency key present, rate limit,
// request validation, duplicate key. Only then is the RawEvent written and
// published. A request rejected by any check writes nothing.
func (g *Gateway) Ingest(ctx context.Context, userID, idempotencyKey string, req models.IngestRequest) (models.IngestResponse, error) {
	return g.run(ctx, userID, idempotencyKey, func() (models.IngestRequest, error) { return req, nil })
}

// IngestJSON is Ingest for an undecoded request body. The body is decoded
// after the rate limit check, so malformed bodies still count against it.
func (g *Gateway) IngestJSON(ctx context.Context, userID, idempotencyKey string, body []byte) (models.IngestResponse, error) {
	return g.run(ctx, userID, idempotencyKey, func() (models.IngestRequest, error) {
		var req models.IngestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return req, apperr.Validation("invalid JSON body", apperr.FieldError{Field: "body", Message: err.Error()})
		}
		return req, nil
	})
}

func (g *Gateway) run(ctx context.Context, userID, idempotencyKey string, decode func() (models.IngestRequest, error)) (models.IngestResponse, error) {
	resp, err := g.ingest(ctx, userID, idempotencyKey, decode)
	g.metrics.Ingest(result(err))
	return resp, err
}

func (g *Gateway) ingest(ctx context.Context, userID, idempotencyKey string, decode func() (models.IngestRequest, error)) (models.IngestResponse, error) {
	if userID == "" {
		return models.IngestResponse{}, apperr.Auth("missing identity")
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return models.IngestResponse{}, apperr.Validation("Idempotency-Key header required",
			apperr.FieldError{Field: "Idempotency-Key", Message: "required"})
	}
	if d := g.limiter.Allow(userID); !d.Allowed {
		return models.IngestResponse{}, apperr.RateLimited(d.RetryAfter)
	}
	req, err := decode()
	if err != nil {
		return models.IngestResponse{}, err
	}

	now := g.now().UTC()
	ev, err := g.build(userID, req, now)
	if err != nil {
		return models.IngestResponse{}, err
	}

	key := idempotency.Key(Scope, userID, idempotencyKey)
	dup, err := g.guard.Accept(ctx, key, g.ttl)
	if err != nil {
		return models.IngestResponse{}, err
	}
	if dup {
		return models.IngestResponse{}, apperr.Duplicate(idempotencyKey)
	}

	if err := g.store.InsertRawEvent(ctx, ev); err != nil {
		if rerr := g.guard.Release(ctx, key); rerr != nil {
			g.log.Error("release idempotency key", "key", key, "err", rerr)
		}
		if apperr.KindOf(err) == "" {
			err = apperr.Transient("insert raw event", err)
		}
		return models.IngestResponse{}, err
	}

	traceID := uuid.NewString()
	g.publish(ctx, ev, traceID)
	g.log.Info("raw event accepted", "user_id", userID, "raw_event_id", ev.ID, "kind", ev.Kind, "trace_id", traceID)
	return models.IngestResponse{Accepted: true, TraceID: traceID, RawEventID: ev.ID}, nil
}

// build validates req and turns it into a RawEvent.
func (g *Gateway) build(userID string, req models.IngestRequest, now time.Time) (models.RawEvent, error) {
	var details []apperr.FieldError
	kind := models.Kind(strings.TrimSpace(req.Type))
	if !kind.Valid() {
		details = append(details, apperr.FieldError{Field: "type", Message: "must be one of weight, sleep, steps, workout"})
	}

	observedAt := now
	if s := strings.TrimSpace(req.OccurredAt); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			details = append(details, apperr.FieldError{Field: "occurredAt", Message: "must be RFC3339"})
		} else {
			observedAt = t.UTC()
		}
	}

	tz := strings.TrimSpace(req.TimeZone)
	if tz == "" {
		tz = "UTC"
	}

	schemaVersion := req.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = g.schemaVersion
	}
	if schemaVersion < 0 {
		details = append(details, apperr.FieldError{Field: "schemaVersion", Message: "must be positive"})
	}

	if len(details) > 0 {
		return models.RawEvent{}, apperr.Validation("invalid ingest request", details...)
	}
	if err := g.validator.Validate(kind, req.Payload); err != nil {
		return models.RawEvent{}, err
	}
	if kind == models.KindSleep {
		if err := checkSleepWindow(req.Payload); err != nil {
			return models.RawEvent{}, err
		}
	}

	ev := models.RawEvent{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          kind,
		ObservedAt:    observedAt,
		ReceivedAt:    now,
		TimeZone:      tz,
		Payload:       json.RawMessage(compact(req.Payload)),
		SchemaVersion: schemaVersion,
		SourceType:    "manual",
	}
	if src := req.Source; src != nil {
		ev.SourceID = src.ID
		ev.Provider = src.Provider
		if src.Type != "" {
			ev.SourceType = src.Type
		}
	}
	return ev, nil
}

// checkSleepWindow rejects a start/end sleep interval that normalization
// could not map: end not after start, or longer than a day. The interval is
// only used when no duration is given.
func checkSleepWindow(raw []byte) error {
	var p struct {
		DurationMinutes *float64 `json:"durationMinutes"`
		DurationHours   *float64 `json:"durationHours"`
		Start           string   `json:"start"`
		End             string   `json:"end"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.Validation("payload must be JSON", apperr.FieldError{Field: "payload", Message: err.Error()})
	}
	if p.DurationMinutes != nil || p.DurationHours != nil || p.Start == "" || p.End == "" {
		return nil
	}
	start, err := time.Parse(time.RFC3339, p.Start)
	if err != nil {
		return apperr.Validation("invalid sleep interval", apperr.FieldError{Field: "payload.start", Message: "must be RFC3339"})
	}
	end, err := time.Parse(time.RFC3339, p.End)
	if err != nil {
		return apperr.Validation("invalid sleep interval", apperr.FieldError{Field: "payload.end", Message: "must be RFC3339"})
	}
	switch span := end.Sub(start); {
	case span <= 0:
		return apperr.Validation("invalid sleep interval", apperr.FieldError{Field: "payload.end", Message: "must be after start"})
	case span > 24*time.Hour:
		return apperr.Validation("invalid sleep interval", apperr.FieldError{Field: "payload.end", Message: "interval longer than 24h"})
	}
	return nil
}

// publish hands the event to normalization without waiting for it. A failed
// publish does not fail the request; it is recorded as publish_failed and the
// raw event is picked up by a later reprocess.
func (g *Gateway) publish(ctx context.Context, ev models.RawEvent, traceID string) {
	msg, err := queue.NewMessage(ev.UserID, models.RawEventCreated{UserID: ev.UserID, RawEventID: ev.ID, TraceID: traceID})
	if err == nil {
		err = g.pub.Publish(ctx, g.topic, msg)
	}
	if err == nil {
		return
	}
	g.log.Error("publish raw event", "user_id", ev.UserID, "raw_event_id", ev.ID, "err", err)
	f := models.FailureEntry{
		ID:         normalize.FailureID(ev.ID, CodePublishFailed),
		UserID:     ev.UserID,
		Day:        normalize.DayKey(ev.ObservedAt, ev.TimeZone),
		Code:       CodePublishFailed,
		Message:    err.Error(),
		RawEventID: ev.ID,
		Details:    map[string]string{"topic": g.topic, "traceId": traceID},
		CreatedAt:  g.now().UTC(),
	}
	if ferr := g.store.RecordFailure(context.WithoutCancel(ctx), f); ferr != nil {
		g.log.Error("record publish failure", "raw_event_id", ev.ID, "err", ferr)
	}
	g.metrics.Failure(CodePublishFailed)
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func result(err error) string {
	if err == nil {
		return "accepted"
	}
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return "unauthorized"
	case apperr.KindValidation:
		return "invalid"
	case apperr.KindDuplicate:
		return "duplicate"
	case apperr.KindRateLimit:
		return "rate_limited"
	default:
		return "error"
	}
}
