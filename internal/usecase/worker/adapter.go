// Package worker owns exactly one worker subprocess per Adapter and speaks
// the newline-delimited JSON protocol over its stdin/stdout.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"sessiond/internal/domain"
)

const (
	// maxLineBytes bounds a single protocol line; longer lines are dropped.
	maxLineBytes = 4 * 1024 * 1024
	// stderrTailBytes is how much trailing stderr is attached to errors.
	stderrTailBytes = 2048
)

// Config describes how to launch one worker subprocess.
type Config struct {
	Command         string
	Args            []string
	WorkDir         string
	PermissionMode  domain.PermissionMode
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
	StderrBufferMax int
}

// Adapter supervises a single worker subprocess. It translates typed
// requests into protocol lines and parses streamed events back. An Adapter
// is single-use: once the process exits it cannot be restarted; callers
// allocate a fresh Adapter instead.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex // guards stdin writes and started/stopped flags
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr *ringBuffer

	events      chan domain.WireEvent
	ready       chan struct{}
	readOnce    sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	abandoned   chan struct{}
	abandonOnce sync.Once

	exitMu  sync.Mutex
	exitErr error

	started  bool
	shutdown bool
}

// New creates an Adapter. Call Start before Send.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.StderrBufferMax <= 0 {
		cfg.StderrBufferMax = 256 * 1024
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		stderr: newRingBuffer(cfg.StderrBufferMax),
		events:    make(chan domain.WireEvent, 64),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

// Start launches the subprocess and blocks until the worker emits its
// ready event, the ready timeout elapses, or ctx is cancelled. On any
// failure the subprocess is torn down before returning.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return domain.NewSubSystemError("worker", "Adapter.Start", domain.ErrInvalidState, "already started")
	}
	a.started = true

	// Detached context: the process outlives the creating request.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkDir
	if a.cfg.PermissionMode != "" {
		cmd.Env = append(cmd.Environ(), "WORKER_PERMISSION_MODE="+string(a.cfg.PermissionMode))
	}
	cmd.Stderr = a.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		a.mu.Unlock()
		return domain.WrapOp("worker: stdout pipe", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		a.mu.Unlock()
		return domain.WrapOp("worker: stdin pipe", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("worker: start %q: %w: %v", a.cfg.Command, domain.ErrWorkerFailed, err)
	}

	a.cmd = cmd
	a.cancel = cancel
	a.stdin = stdin
	a.mu.Unlock()

	readDone := make(chan struct{})
	go a.readLoop(stdout, readDone)
	go a.waitForExit(readDone)

	a.logger.Debug("worker started", "command", a.cfg.Command, "workdir", a.cfg.WorkDir, "pid", cmd.Process.Pid)

	select {
	case <-a.ready:
		return nil
	case <-a.done:
		a.abandonEvents()
		return fmt.Errorf("worker: exited before ready: %w: %s",
			domain.ErrWorkerFailed, a.stderr.Tail(stderrTailBytes))
	case <-time.After(a.cfg.ReadyTimeout):
		a.abandonEvents()
		a.Kill()
		return domain.NewSubSystemError("worker", "Adapter.Start", domain.ErrTimeout,
			fmt.Sprintf("no ready event within %s", a.cfg.ReadyTimeout))
	case <-ctx.Done():
		a.abandonEvents()
		a.Kill()
		return domain.WrapOp("worker: start", ctx.Err())
	}
}

// Send writes one request line to the worker's stdin.
func (a *Adapter) Send(_ context.Context, req domain.WireRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return domain.NewDomainError("Adapter.Send", domain.ErrInvalidRequest, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stdin == nil {
		return domain.NewDomainError("Adapter.Send", domain.ErrCommunication, "worker not started")
	}
	select {
	case <-a.done:
		return domain.NewDomainError("Adapter.Send", domain.ErrCommunication, "worker exited")
	default:
	}

	if _, err := a.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("worker: write request: %w: %v", domain.ErrCommunication, err)
	}
	return nil
}

// Events returns the stream of parsed protocol events. The channel is
// closed when the worker's stdout closes.
func (a *Adapter) Events() <-chan domain.WireEvent { return a.events }

// Done is closed when the subprocess has exited.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Err reports how the subprocess exited: nil for a clean exit, otherwise
// an error wrapping ErrWorkerFailed with the stderr tail.
func (a *Adapter) Err() error {
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	return a.exitErr
}

// Stderr returns the buffered stderr output for inspection.
func (a *Adapter) Stderr() string { return a.stderr.String() }

// Shutdown asks the worker to exit via a protocol shutdown request and
// waits up to the shutdown timeout before killing it. Idempotent.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	default:
	}

	// Best effort: a wedged worker may not read stdin anymore.
	if err := a.Send(ctx, domain.WireRequest{Action: domain.ActionShutdown}); err != nil {
		a.logger.Debug("shutdown request not delivered", "error", err)
	}

	select {
	case <-a.done:
		return nil
	case <-time.After(a.cfg.ShutdownTimeout):
		a.logger.Warn("worker did not exit in time, killing", "command", a.cfg.Command)
		a.Kill()
		<-a.done
		return nil
	case <-ctx.Done():
		a.Kill()
		return domain.WrapOp("worker: shutdown", ctx.Err())
	}
}

// abandonEvents marks the event stream as having no consumer, letting
// readLoop discard further events instead of blocking on a full buffer.
func (a *Adapter) abandonEvents() {
	a.abandonOnce.Do(func() { close(a.abandoned) })
}

// Kill terminates the subprocess immediately.
func (a *Adapter) Kill() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// readLoop scans stdout line by line. Partial lines are buffered by the
// scanner until a newline completes them; malformed JSON lines are dropped
// and logged.
func (a *Adapter) readLoop(stdout io.Reader, readDone chan<- struct{}) {
	defer close(readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event domain.WireEvent
		if err := json.Unmarshal(line, &event); err != nil {
			a.logger.Warn("dropping malformed protocol line", "error", err, "bytes", len(line))
			continue
		}
		if event.Event == "" {
			a.logger.Warn("dropping protocol line without event name")
			continue
		}

		if event.Event == domain.EventWireReady {
			a.readOnce.Do(func() { close(a.ready) })
		}

		// A failed Start leaves nobody draining events; the abandoned
		// signal keeps a chatty worker from wedging this loop and, with
		// it, the exit reaper.
		select {
		case a.events <- event:
		case <-a.abandoned:
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Debug("worker stdout closed", "error", err)
	}
}

// waitForExit reaps the subprocess after stdout is fully drained.
func (a *Adapter) waitForExit(readDone <-chan struct{}) {
	<-readDone
	err := a.cmd.Wait()
	close(a.events)

	a.exitMu.Lock()
	if err != nil {
		a.exitErr = fmt.Errorf("worker: exited: %w: %v: %s",
			domain.ErrWorkerFailed, err, a.stderr.Tail(stderrTailBytes))
	}
	a.exitMu.Unlock()

	a.mu.Lock()
	if a.stdin != nil {
		a.stdin.Close()
	}
	a.mu.Unlock()

	a.doneOnce.Do(func() { close(a.done) })
	a.logger.Debug("worker exited", "command", a.cfg.Command, "error", err)
}
