package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain"
	"sessiond/internal/infra/logger"
)

func TestTypedSubscription(t *testing.T) {
	bus := New(logger.Discard())
	ctx := context.Background()

	var created, terminated atomic.Int64
	bus.Subscribe(domain.EventSessionCreated, func(context.Context, domain.Event) {
		created.Add(1)
	})
	bus.Subscribe(domain.EventSessionTerminated, func(context.Context, domain.Event) {
		terminated.Add(1)
	})

	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated, SessionID: "s1"})
	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated, SessionID: "s2"})
	bus.Close()

	assert.Equal(t, int64(2), created.Load())
	assert.Zero(t, terminated.Load())
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := New(logger.Discard())
	ctx := context.Background()

	var (
		mu    sync.Mutex
		types []domain.EventType
	)
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated})
	bus.Publish(ctx, domain.Event{Type: domain.EventCommandExecuted})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t,
		[]domain.EventType{domain.EventSessionCreated, domain.EventCommandExecuted}, types)
}

func TestUnsubscribe(t *testing.T) {
	bus := New(logger.Discard())
	ctx := context.Background()

	var calls atomic.Int64
	unsubscribe := bus.Subscribe(domain.EventSessionCreated, func(context.Context, domain.Event) {
		calls.Add(1)
	})

	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe() // second call is a no-op

	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated})
	bus.Close()
	assert.Equal(t, int64(1), calls.Load())
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := New(logger.Discard())
	ctx := context.Background()

	var healthy atomic.Int64
	bus.Subscribe(domain.EventSessionCreated, func(context.Context, domain.Event) {
		panic("broken consumer")
	})
	bus.Subscribe(domain.EventSessionCreated, func(context.Context, domain.Event) {
		healthy.Add(1)
	})

	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated})
	bus.Close()

	assert.Equal(t, int64(1), healthy.Load())
}

func TestCloseStopsPublishing(t *testing.T) {
	bus := New(logger.Discard())

	var calls atomic.Int64
	bus.SubscribeAll(func(context.Context, domain.Event) { calls.Add(1) })

	bus.Close()
	bus.Close() // idempotent
	bus.Publish(context.Background(), domain.Event{Type: domain.EventSessionCreated})

	assert.Zero(t, calls.Load())
}

func TestEmitStampsContext(t *testing.T) {
	bus := New(logger.Discard())

	var (
		mu   sync.Mutex
		seen []domain.Event
	)
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	Emit(context.Background(), bus, logger.Discard(), domain.EventCommandExecuted, "s1", "r1",
		map[string]any{"kind": "prompt"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, domain.EventCommandExecuted, seen[0].Type)
	assert.Equal(t, "s1", seen[0].SessionID)
	assert.Equal(t, "r1", seen[0].RunID)
	assert.JSONEq(t, `{"kind":"prompt"}`, string(seen[0].Payload))
	assert.False(t, seen[0].Timestamp.IsZero())
}

func TestEmitNilBusIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, logger.Discard(), domain.EventSessionCreated, "", "", nil)
	})
}

func TestEmitUnmarshalablePayloadDropped(t *testing.T) {
	bus := New(logger.Discard())

	var (
		mu   sync.Mutex
		seen []domain.Event
	)
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	// A channel cannot be marshaled; the event still goes out, payloadless.
	Emit(context.Background(), bus, logger.Discard(), domain.EventSessionCreated, "s1", "", make(chan int))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Empty(t, seen[0].Payload)
}
