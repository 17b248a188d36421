// Package eventbus dispatches query-index events to registered handlers.
//
// It is a local, channel-free implementation: Emit fans out to matching
// handlers on bounded goroutines. Persistent events (reindex, purge) are
// retried with exponential backoff before giving up; best-effort events are
// attempted once. A distributed broker can wrap this bus without changing
// handler code.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Event is one dispatched message. Payload stays raw so each handler decodes
// only the keys it understands and ignores the rest.
type Event struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Persistent bool            `json:"persistent"`
	EmittedAt  time.Time       `json:"emittedAt"`
}

// Handler consumes events. Handles lists exact event names; there is no
// pattern matching, the core registers per-entity CRUD handlers explicitly.
type Handler interface {
	ID() string
	Handles() []string
	Handle(ctx context.Context, evt *Event) error
}

// ErrorSink receives handler failures after retries are exhausted. The core
// wires this to the indexer error log.
type ErrorSink func(ctx context.Context, handlerID string, evt *Event, err error)

// Options tunes the bus.
type Options struct {
	// Concurrency bounds parallel handler invocations. Default 8.
	Concurrency int
	// MaxRetries bounds redelivery attempts for persistent events. Default 3.
	MaxRetries uint64
	// ErrorSink is optional.
	ErrorSink ErrorSink
}

// Bus dispatches events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	logger  *zap.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
	retries uint64
	sink    ErrorSink
}

// New creates a bus. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger, opts Options) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 8
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Bus{
		logger:  logger,
		sem:     make(chan struct{}, concurrency),
		retries: retries,
		sink:    opts.ErrorSink,
	}
}

// Register adds a handler. Safe to call while dispatching.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// EmitOptions controls delivery semantics for one event.
type EmitOptions struct {
	// Persistent events are retried on handler failure. Use for reindex and
	// purge; leave false for vectorize, coverage refresh and derived upserts.
	Persistent bool
}

// Emit marshals payload and dispatches asynchronously. The error covers only
// marshalling; handler outcomes are reported through the logger and sink.
func (b *Bus) Emit(ctx context.Context, name string, payload any, opts EmitOptions) error {
	evt, err := b.buildEvent(name, payload, opts)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(ctx, evt)
	}()
	return nil
}

// EmitSync dispatches inline and returns after every handler ran. CLI
// commands and tests use it for deterministic completion.
func (b *Bus) EmitSync(ctx context.Context, name string, payload any, opts EmitOptions) error {
	evt, err := b.buildEvent(name, payload, opts)
	if err != nil {
		return err
	}
	b.dispatch(ctx, evt)
	return nil
}

// Drain blocks until all in-flight async dispatches finish or ctx expires.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) buildEvent(name string, payload any, opts EmitOptions) (*Event, error) {
	if name == "" {
		return nil, fmt.Errorf("eventbus: empty event name")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventbus: marshal payload for %s: %w", name, err)
	}
	return &Event{
		Name:       name,
		Payload:    raw,
		Persistent: opts.Persistent,
		EmittedAt:  time.Now().UTC(),
	}, nil
}

// dispatch invokes every matching handler, each on its own slot-bounded
// goroutine, and waits for all of them.
func (b *Bus) dispatch(ctx context.Context, evt *Event) {
	b.mu.RLock()
	matched := b.matchingHandlers(evt.Name)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range matched {
		if ctx.Err() != nil {
			b.logger.Warn("dispatch cancelled",
				zap.String("event", evt.Name),
				zap.Error(ctx.Err()))
			return
		}
		b.sem <- struct{}{}
		wg.Add(1)
		go func(h Handler) {
			defer func() {
				<-b.sem
				wg.Done()
			}()
			b.invoke(ctx, h, evt)
		}(h)
	}
	wg.Wait()
}

// invoke runs one handler, retrying persistent events with backoff.
func (b *Bus) invoke(ctx context.Context, h Handler, evt *Event) {
	run := func() error { return h.Handle(ctx, evt) }

	var err error
	if evt.Persistent {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.retries), ctx)
		err = backoff.Retry(run, policy)
	} else {
		err = run()
	}
	if err == nil {
		return
	}

	b.logger.Warn("handler failed",
		zap.String("handler", h.ID()),
		zap.String("event", evt.Name),
		zap.Bool("persistent", evt.Persistent),
		zap.Error(err))
	if b.sink != nil {
		b.sink(ctx, h.ID(), evt, err)
	}
}

func (b *Bus) matchingHandlers(name string) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, n := range h.Handles() {
			if n == name {
				matched = append(matched, h)
				break
			}
		}
	}
	return matched
}

// funcHandler adapts a closure to the Handler interface.
type funcHandler struct {
	id     string
	events []string
	fn     func(ctx context.Context, evt *Event) error
}

func (f *funcHandler) ID() string        { return f.id }
func (f *funcHandler) Handles() []string { return f.events }
func (f *funcHandler) Handle(ctx context.Context, e *Event) error {
	return f.fn(ctx, e)
}

// NewHandler wraps fn as a Handler with the given id and event list.
func NewHandler(id string, events []string, fn func(ctx context.Context, evt *Event) error) Handler {
	return &funcHandler{id: id, events: events, fn: fn}
}

// Decode unmarshals an event payload into T. Unknown payload keys are
// ignored.
func Decode[T any](evt *Event) (T, error) {
	var out T
	if len(evt.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return out, fmt.Errorf("eventbus: decode %s payload: %w", evt.Name, err)
	}
	return out, nil
}
