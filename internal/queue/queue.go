// Package queue is the topic boundary between pipeline stages. Delivery is
// at-least-once: handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/metrics"
)

var (
	ErrClosed       = errors.New("queue: closed")
	ErrUnknownTopic = errors.New("queue: no subscriber for topic")
)

// Message is one delivery. Attempt starts at 1.
type Message struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Body    json.RawMessage `json:"body"`
	Attempt int             `json:"attempt"`
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("queue: decode %s message %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

// NewMessage encodes body as JSON. key groups related messages for logging.
func NewMessage(key string, body any) (Message, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("queue: encode message: %w", err)
	}
	return Message{Key: key, Body: b}, nil
}

// Handler processes one message. Returning an error that apperr.IsRetryable
// accepts schedules a redelivery; any other error is terminal.
type Handler func(ctx context.Context, msg Message) error

// DeadLetterFunc receives messages that will not be delivered again.
// exhausted is true when the retry budget ran out.
type DeadLetterFunc func(ctx context.Context, msg Message, err error, exhausted bool)

// Bus is implemented by the in-memory bus; a broker-backed bus can replace it
// without changing the stages.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, h Handler)
	Start(ctx context.Context)
	Wait()
	Close()
}

// Options configures a MemoryBus.
type Options struct {
	Workers     int
	Capacity    int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	DeadLetter  DeadLetterFunc
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type topic struct {
	name    string
	ch      chan Message
	handler Handler
}

// MemoryBus delivers messages through one buffered channel per topic.
type MemoryBus struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	topics  map[string]*topic
	started bool
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
	workers sync.WaitGroup
	// sends counts Publish and redeliver calls that may still write to a
	// topic channel; Close waits for them before draining.
	sends sync.WaitGroup
}

func NewMemoryBus(opts Options) *MemoryBus {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{
		opts:   opts,
		log:    log.With("component", "queue"),
		topics: map[string]*topic{},
		done:   make(chan struct{}),
	}
}

// Subscribe registers the handler of a topic. It must be called before Start;
// a later call replaces the handler but starts no workers.
func (b *MemoryBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		t.handler = h
		return
	}
	b.topics[name] = &topic{name: name, ch: make(chan Message, b.opts.Capacity), handler: h}
}

// Start launches the workers of every subscribed topic. Handlers run with a
// context derived from ctx, never from the publisher's context.
func (b *MemoryBus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, t := range b.topics {
		for i := 0; i < b.opts.Workers; i++ {
			b.workers.Add(1)
			go b.work(t)
		}
	}
}

// Publish enqueues msg on topic. It blocks while the topic buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, name string, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	b.pending.Add(1)
	b.sends.Add(1)
	b.mu.Unlock()
	defer b.sends.Done()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Topic = name
	msg.Attempt = 0

	select {
	case t.ch <- msg:
		return nil
	case <-ctx.Done():
		b.pending.Done()
		return ctx.Err()
	case <-b.done:
		b.pending.Done()
		return ErrClosed
	}
}

// Wait blocks until every published message, including messages published by
// handlers and scheduled redeliveries, has been handled or dead-lettered.
func (b *MemoryBus) Wait() {
	b.pending.Wait()
}

// Close stops the workers. Messages still buffered are dropped and no longer
// count as pending, so Wait returns once scheduled redeliveries have fired.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()
	b.workers.Wait()
	b.sends.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if n := drain(t.ch); n > 0 {
			b.log.Warn("dropped undelivered messages", "topic", t.name, "count", n)
			for i := 0; i < n; i++ {
				b.pending.Done()
			}
		}
	}
}

func drain(ch chan Message) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

func (b *MemoryBus) work(t *topic) {
	defer b.workers.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-t.ch:
			b.deliver(t, msg)
		}
	}
}

func (b *MemoryBus) deliver(t *topic, msg Message) {
	msg.Attempt++
	err := b.call(t, msg)
	if err == nil {
		b.opts.Metrics.Delivery(t.name, "ok")
		b.pending.Done()
		return
	}

	log := b.log.With("topic", t.name, "message_id", msg.ID, "key", msg.Key, "attempt", msg.Attempt)
	if apperr.IsRetryable(err) && msg.Attempt < b.opts.MaxAttempts {
		delay := b.backoff(msg.Attempt)
		log.Warn("handler failed, retrying", "err", err, "delay", delay)
		b.opts.Metrics.Delivery(t.name, "retry")
		time.AfterFunc(delay, func() { b.redeliver(t, msg) })
		return
	}

	exhausted := apperr.IsRetryable(err)
	log.Error("message dead-lettered", "err", err, "exhausted", exhausted)
	b.opts.Metrics.Delivery(t.name, "dead_letter")
	if b.opts.DeadLetter != nil {
		b.opts.DeadLetter(b.ctx, msg, err, exhausted)
	}
	b.pending.Done()
}

// call runs the handler, turning a panic into a terminal error.
func (b *MemoryBus) call(t *topic, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	if t.handler == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, t.name)
	}
	return t.handler(b.ctx, msg)
}

func (b *MemoryBus) redeliver(t *topic, msg Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.pending.Done()
		return
	}
	b.sends.Add(1)
	b.mu.Unlock()
	defer b.sends.Done()

	select {
	case t.ch <- msg:
	case <-b.done:
		b.pending.Done()
	}
}

func (b *MemoryBus) backoff(attempt int) time.Duration {
	d := b.opts.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.opts.MaxBackoff {
			return b.opts.MaxBackoff
		}
	}
	return d
}
