package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEmitSyncDeliversToMatchingHandlers(t *testing.T) {
	bus := New(zap.NewNop(), Options{})

	var gotA, gotB atomic.Int64
	bus.Register(NewHandler("a", []string{"x.created"}, func(ctx context.Context, evt *Event) error {
		gotA.Add(1)
		return nil
	}))
	bus.Register(NewHandler("b", []string{"x.updated"}, func(ctx context.Context, evt *Event) error {
		gotB.Add(1)
		return nil
	}))

	if err := bus.EmitSync(context.Background(), "x.created", map[string]any{"id": "1"}, EmitOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if gotA.Load() != 1 || gotB.Load() != 0 {
		t.Fatalf("delivery counts a=%d b=%d", gotA.Load(), gotB.Load())
	}
}

func TestEmitAsyncAndDrain(t *testing.T) {
	bus := New(zap.NewNop(), Options{Concurrency: 2})

	var calls atomic.Int64
	bus.Register(NewHandler("h", []string{"evt"}, func(ctx context.Context, evt *Event) error {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		if err := bus.Emit(context.Background(), "evt", nil, EmitOptions{}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("calls = %d, want 5", calls.Load())
	}
}

func TestPersistentEventsRetry(t *testing.T) {
	bus := New(zap.NewNop(), Options{MaxRetries: 3})

	var attempts atomic.Int64
	bus.Register(NewHandler("flaky", []string{"job"}, func(ctx context.Context, evt *Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	if err := bus.EmitSync(context.Background(), "job", nil, EmitOptions{Persistent: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
}

func TestBestEffortEventsDoNotRetry(t *testing.T) {
	bus := New(zap.NewNop(), Options{MaxRetries: 5})

	var attempts atomic.Int64
	bus.Register(NewHandler("once", []string{"fire"}, func(ctx context.Context, evt *Event) error {
		attempts.Add(1)
		return errors.New("always fails")
	}))

	if err := bus.EmitSync(context.Background(), "fire", nil, EmitOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts.Load())
	}
}

func TestErrorSinkReceivesExhaustedFailures(t *testing.T) {
	var mu sync.Mutex
	var sunk []string
	sink := func(ctx context.Context, handlerID string, evt *Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		sunk = append(sunk, handlerID+":"+evt.Name)
	}
	bus := New(zap.NewNop(), Options{MaxRetries: 1, ErrorSink: sink})

	bus.Register(NewHandler("bad", []string{"boom"}, func(ctx context.Context, evt *Event) error {
		return errors.New("no")
	}))

	if err := bus.EmitSync(context.Background(), "boom", nil, EmitOptions{Persistent: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 1 || sunk[0] != "bad:boom" {
		t.Fatalf("sink entries = %v", sunk)
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	type payload struct {
		ID string `json:"id"`
	}
	evt := &Event{Name: "n", Payload: []byte(`{"id":"r1","extra":true}`)}
	got, err := Decode[payload](evt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "r1" {
		t.Fatalf("id = %q", got.ID)
	}
}

func TestEmitRejectsEmptyName(t *testing.T) {
	bus := New(nil, Options{})
	if err := bus.Emit(context.Background(), "", nil, EmitOptions{}); err == nil {
		t.Fatal("empty event name must be rejected")
	}
}
