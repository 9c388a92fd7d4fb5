package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain"
	"sessiond/internal/infra/logger"
)

// shAdapter builds an Adapter whose worker is an inline shell script.
func shAdapter(t *testing.T, script string, cfg Config) *Adapter {
	t.Helper()
	cfg.Command = "/bin/sh"
	cfg.Args = []string{"-c", script}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	return New(cfg, logger.Discard())
}

// reap kills the worker and waits for it to be reaped so tests do not leak
// subprocesses.
func reap(t *testing.T, a *Adapter) {
	t.Helper()
	a.Kill()
	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit after kill")
	}
}

func nextEvent(t *testing.T, a *Adapter) domain.WireEvent {
	t.Helper()
	select {
	case event, ok := <-a.Events():
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
		return domain.WireEvent{}
	}
}

func TestStartWaitsForReady(t *testing.T) {
	a := shAdapter(t, `echo '{"event":"ready"}'; exec sleep 5`, Config{})
	require.NoError(t, a.Start(context.Background()))
	defer reap(t, a)

	// The ready event is also delivered on the stream.
	assert.Equal(t, domain.EventWireReady, nextEvent(t, a).Event)
}

func TestStartReadyTimeout(t *testing.T) {
	a := shAdapter(t, `sleep 5`, Config{ReadyTimeout: 100 * time.Millisecond})

	err := a.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.CodeReadyTimeout, domain.ErrorCodeOf(err))

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker not torn down after ready timeout")
	}
}

func TestStartReadyTimeoutWithChattyWorker(t *testing.T) {
	// A worker that floods stdout without ever reporting ready overflows
	// the event buffer while Start has no consumer; teardown must still
	// reap it.
	a := shAdapter(t, `
i=0
while [ $i -lt 200 ]; do
	echo '{"event":"run_progress"}'
	i=$((i+1))
done
exec sleep 30
`, Config{ReadyTimeout: 200 * time.Millisecond})

	err := a.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrTimeout)

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker not reaped after failed start")
	}
}

func TestStartExitBeforeReady(t *testing.T) {
	a := shAdapter(t, `echo 'config missing' >&2; exit 3`, Config{})

	err := a.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrWorkerFailed)
	// The stderr tail is attached to the failure.
	assert.Contains(t, err.Error(), "config missing")
}

func TestStartTwice(t *testing.T) {
	a := shAdapter(t, `echo '{"event":"ready"}'; exec sleep 5`, Config{})
	require.NoError(t, a.Start(context.Background()))
	defer reap(t, a)

	err := a.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSendBeforeStart(t *testing.T) {
	a := shAdapter(t, `sleep 5`, Config{})

	err := a.Send(context.Background(), domain.WireRequest{Action: domain.ActionStatus})
	assert.ErrorIs(t, err, domain.ErrCommunication)
}

func TestSendAndReceive(t *testing.T) {
	a := shAdapter(t, `
echo '{"event":"ready"}'
read line
echo '{"event":"run_completed","run_id":"r1"}'
`, Config{})
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Send(context.Background(), domain.WireRequest{
		Action: domain.ActionPrompt,
		Prompt: "hello",
		RunID:  "r1",
	}))

	for {
		event := nextEvent(t, a)
		if event.Event == domain.EventWireReady {
			continue
		}
		assert.Equal(t, domain.EventWireRunCompleted, event.Event)
		assert.Equal(t, "r1", event.RunID)
		break
	}

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after script finished")
	}
	assert.NoError(t, a.Err())
}

func TestMalformedLinesDropped(t *testing.T) {
	a := shAdapter(t, `
echo 'not json at all'
echo '{"no_event_field":true}'
echo '{"event":"ready"}'
exec sleep 5
`, Config{})
	require.NoError(t, a.Start(context.Background()))
	defer reap(t, a)

	// Only the well-formed line makes it through.
	assert.Equal(t, domain.EventWireReady, nextEvent(t, a).Event)
}

func TestShutdownProtocol(t *testing.T) {
	a := shAdapter(t, `
echo '{"event":"ready"}'
read line
exit 0
`, Config{})
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Shutdown(context.Background()))
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running after shutdown")
	}

	// Idempotent.
	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestShutdownKillsUnresponsiveWorker(t *testing.T) {
	a := shAdapter(t, `echo '{"event":"ready"}'; exec sleep 30`,
		Config{ShutdownTimeout: 100 * time.Millisecond})
	require.NoError(t, a.Start(context.Background()))

	start := time.Now()
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("worker survived forced shutdown")
	}
}

func TestCrashSurfacesStderrTail(t *testing.T) {
	a := shAdapter(t, `
echo '{"event":"ready"}'
echo 'segfault in plugin' >&2
exit 7
`, Config{})
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}

	err := a.Err()
	require.ErrorIs(t, err, domain.ErrWorkerFailed)
	assert.Contains(t, err.Error(), "segfault in plugin")
	assert.Contains(t, a.Stderr(), "segfault in plugin")

	// Sends after exit fail fast.
	sendErr := a.Send(context.Background(), domain.WireRequest{Action: domain.ActionStatus})
	assert.ErrorIs(t, sendErr, domain.ErrCommunication)
}

func TestRingBufferKeepsTail(t *testing.T) {
	rb := newRingBuffer(10)

	_, err := rb.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "6789abcdef", rb.String())

	_, err = rb.Write([]byte("XY"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdefXY", rb.String())
	assert.Equal(t, "fXY", rb.Tail(3))
	assert.Equal(t, "89abcdefXY", rb.Tail(100))
}

func TestRingBufferManyWrites(t *testing.T) {
	rb := newRingBuffer(8)
	for i := 0; i < 100; i++ {
		rb.Write([]byte("ab"))
	}
	assert.Equal(t, strings.Repeat("ab", 4), rb.String())
}
