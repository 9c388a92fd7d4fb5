// Package correlate turns the worker's fire-and-forget event stream into
// typed request/response semantics, keyed entirely by run id.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sessiond/internal/domain"
)

// Transport is the subset of the process adapter the correlator needs.
type Transport interface {
	Send(ctx context.Context, req domain.WireRequest) error
	Events() <-chan domain.WireEvent
	Done() <-chan struct{}
	Err() error
}

// Config holds correlation timeouts. ResponseTimeout bounds prompt
// commands; ControlTimeout bounds cancel/status/shutdown round-trips.
type Config struct {
	ResponseTimeout time.Duration
	ControlTimeout  time.Duration
	// RecentLimit bounds how many finished runs are retained for inspection.
	RecentLimit int
}

type outcome struct {
	result *domain.CommandResult
	err    error
}

// pendingRun is the single resolution path for one outstanding run id.
type pendingRun struct {
	runID     string
	kind      domain.CommandKind
	startedAt time.Time
	events    []domain.WireEvent
	resultCh  chan outcome   // owner waits here, buffered 1
	waiters   []chan outcome // cancel callers awaiting the same terminal event
}

// Correlator multiplexes typed commands for one session onto a Transport
// and resolves each pending run when its terminal protocol event arrives.
type Correlator struct {
	sessionID string
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRun
	subs     map[string][]domain.RunSubscriber
	recent   map[string]*domain.CommandResult
	requests map[string]domain.CommandRequest // original requests, for re-dispatch
	order    []string                         // FIFO of recent run ids for eviction

	loopDone chan struct{}
}

// New creates a correlator and starts its event loop over the transport.
func New(sessionID string, transport Transport, cfg Config, logger *slog.Logger) *Correlator {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Minute
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 10 * time.Second
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 64
	}
	c := &Correlator{
		sessionID: sessionID,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]*pendingRun),
		subs:      make(map[string][]domain.RunSubscriber),
		recent:    make(map[string]*domain.CommandResult),
		requests:  make(map[string]domain.CommandRequest),
		loopDone:  make(chan struct{}),
	}
	go c.loop()
	return c
}

// Execute validates and dispatches one command, blocking until its terminal
// event arrives, the response timeout elapses, or ctx is cancelled.
// Validation failures return ErrInvalidRequest without touching the
// transport.
func (c *Correlator) Execute(ctx context.Context, req domain.CommandRequest) (*domain.CommandResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if req.Kind == domain.CommandCancel {
		return c.executeCancel(ctx, req)
	}

	runID := req.RunID
	if runID == "" {
		runID = domain.NewID()
	}

	entry := &pendingRun{
		runID:     runID,
		kind:      req.Kind,
		startedAt: time.Now(),
		resultCh:  make(chan outcome, 1),
	}

	c.mu.Lock()
	if _, dup := c.pending[runID]; dup {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Correlator.Execute", domain.ErrInvalidRequest,
			fmt.Sprintf("run %q already pending", runID))
	}
	c.pending[runID] = entry
	req.RunID = runID
	c.requests[runID] = req
	c.mu.Unlock()

	wire := domain.WireRequest{
		Action:  string(req.Kind),
		Prompt:  req.Prompt,
		RunID:   runID,
		Options: req.Options,
	}
	if err := c.transport.Send(ctx, wire); err != nil {
		c.unregister(runID)
		return nil, domain.WrapOp("Correlator.Execute", err)
	}

	timeout := c.timeoutFor(req.Kind)
	select {
	case out := <-entry.resultCh:
		return out.result, out.err
	case <-time.After(timeout):
		err := domain.NewSubSystemError("correlate", "Correlator.Execute", domain.ErrTimeout,
			fmt.Sprintf("run %s: no terminal event within %s", runID, timeout))
		c.resolveError(runID, err)
		// Drain the outcome the resolver just published so late arrivals
		// cannot leak a stale entry.
		out := <-entry.resultCh
		return out.result, out.err
	case <-ctx.Done():
		c.resolveError(runID, domain.WrapOp("Correlator.Execute", ctx.Err()))
		out := <-entry.resultCh
		return out.result, out.err
	}
}

// executeCancel forwards a cancel request for a pending run and waits for
// the target's terminal event. Cancellation is advisory: if the worker
// never acknowledges, the target still resolves via its own timeout.
func (c *Correlator) executeCancel(ctx context.Context, req domain.CommandRequest) (*domain.CommandResult, error) {
	waiter := make(chan outcome, 1)

	c.mu.Lock()
	entry, ok := c.pending[req.TargetRunID]
	if !ok {
		c.mu.Unlock()
		return nil, domain.NewSubSystemError("run", "Correlator.Cancel", domain.ErrNotFound, req.TargetRunID)
	}
	entry.waiters = append(entry.waiters, waiter)
	c.mu.Unlock()

	wire := domain.WireRequest{Action: domain.ActionCancel, RunID: req.TargetRunID}
	if err := c.transport.Send(ctx, wire); err != nil {
		return nil, domain.WrapOp("Correlator.Cancel", err)
	}

	select {
	case out := <-waiter:
		return out.result, out.err
	case <-time.After(c.cfg.ControlTimeout):
		return nil, domain.NewSubSystemError("correlate", "Correlator.Cancel", domain.ErrTimeout,
			fmt.Sprintf("run %s: cancel not acknowledged within %s", req.TargetRunID, c.cfg.ControlTimeout))
	case <-ctx.Done():
		return nil, domain.WrapOp("Correlator.Cancel", ctx.Err())
	}
}

// Subscribe registers a subscriber for a run's streamed events. Returns an
// unsubscribe function.
func (c *Correlator) Subscribe(runID string, sub domain.RunSubscriber) func() {
	c.mu.Lock()
	c.subs[runID] = append(c.subs[runID], sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[runID]
		for i, s := range subs {
			if s == sub {
				c.subs[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.subs[runID]) == 0 {
			delete(c.subs, runID)
		}
	}
}

// CancelAll best-effort cancels every pending run. Used during session
// suspension and termination; send failures are logged, never returned.
func (c *Correlator) CancelAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		wire := domain.WireRequest{Action: domain.ActionCancel, RunID: id}
		if err := c.transport.Send(ctx, wire); err != nil {
			c.logger.Warn("cancel during teardown not delivered", "run_id", id, "error", err)
		}
	}
}

// PendingCount returns the number of unresolved runs.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Result returns a recently finished run's result for inspection.
func (c *Correlator) Result(runID string) (*domain.CommandResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recent[runID]
	return r, ok
}

// Request returns the original request for a recent or pending run.
// Used by recovery to re-dispatch a failed command.
func (c *Correlator) Request(runID string) (domain.CommandRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[runID]
	return req, ok
}

// --- event loop ---

// loop consumes transport events until the channel closes, then fails all
// remaining pending runs with a communication error.
func (c *Correlator) loop() {
	defer close(c.loopDone)

	for event := range c.transport.Events() {
		switch event.Event {
		case domain.EventWireReady:
			// Handled by the adapter's readiness gate.
		case domain.EventWireShutdown:
			c.resolveShutdown(event)
		case domain.EventWireRunCompleted:
			c.resolveTerminal(event, domain.RunCompleted)
		case domain.EventWireRunCancelled:
			c.resolveTerminal(event, domain.RunCancelled)
		default:
			c.dispatchStream(event)
		}
	}

	err := c.transport.Err()
	if err == nil {
		err = domain.NewDomainError("Correlator", domain.ErrCommunication, "worker stream closed")
	} else {
		err = fmt.Errorf("%w: %v", domain.ErrCommunication, err)
	}
	c.broadcastFailure(err)
}

func (c *Correlator) dispatchStream(event domain.WireEvent) {
	c.mu.Lock()
	entry, ok := c.pending[event.RunID]
	if ok {
		entry.events = append(entry.events, event)
	}
	subs := append([]domain.RunSubscriber(nil), c.subs[event.RunID]...)
	c.mu.Unlock()

	if !ok {
		// Events after terminal state are ignored for correlation.
		c.logger.Debug("stream event for unknown run", "event", event.Event, "run_id", event.RunID)
	}
	for _, sub := range subs {
		sub.OnEvent(event)
	}
}

func (c *Correlator) resolveTerminal(event domain.WireEvent, status domain.RunStatus) {
	c.mu.Lock()
	entry, ok := c.pending[event.RunID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("terminal event for unknown run", "event", event.Event, "run_id", event.RunID)
		return
	}
	delete(c.pending, event.RunID)
	subs := append([]domain.RunSubscriber(nil), c.subs[event.RunID]...)
	delete(c.subs, event.RunID)
	c.mu.Unlock()

	result := &domain.CommandResult{
		RunID:      entry.runID,
		Status:     status,
		Success:    status == domain.RunCompleted && event.Error == "",
		Events:     entry.events,
		StartedAt:  entry.startedAt,
		FinishedAt: time.Now(),
	}
	switch {
	case event.Error != "":
		result.Status = domain.RunFailed
		result.Success = false
		result.Message = event.Error
	case status == domain.RunCancelled:
		result.Message = "run cancelled"
	default:
		result.Message = "run completed"
	}

	c.remember(result)
	c.deliver(entry, outcome{result: result})
	for _, sub := range subs {
		sub.OnComplete(*result)
	}
}

// resolveShutdown completes pending shutdown commands when the worker
// confirms it is stopping.
func (c *Correlator) resolveShutdown(event domain.WireEvent) {
	c.mu.Lock()
	var entries []*pendingRun
	for id, entry := range c.pending {
		if entry.kind == domain.CommandShutdown {
			entries = append(entries, entry)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, entry := range entries {
		result := &domain.CommandResult{
			RunID:      entry.runID,
			Status:     domain.RunCompleted,
			Success:    true,
			Message:    "worker shutting down",
			Events:     entry.events,
			StartedAt:  entry.startedAt,
			FinishedAt: time.Now(),
		}
		c.remember(result)
		c.deliver(entry, outcome{result: result})
	}
}

// resolveError fails a single pending run (timeout, caller cancellation).
func (c *Correlator) resolveError(runID string, err error) {
	c.mu.Lock()
	entry, ok := c.pending[runID]
	if ok {
		delete(c.pending, runID)
	}
	subs := append([]domain.RunSubscriber(nil), c.subs[runID]...)
	delete(c.subs, runID)
	c.mu.Unlock()

	if !ok {
		return
	}
	result := &domain.CommandResult{
		RunID:      entry.runID,
		Status:     domain.RunFailed,
		Success:    false,
		Message:    err.Error(),
		Events:     entry.events,
		StartedAt:  entry.startedAt,
		FinishedAt: time.Now(),
	}
	c.remember(result)
	c.deliver(entry, outcome{result: result, err: err})
	for _, sub := range subs {
		sub.OnError(err)
	}
}

// broadcastFailure fails every pending run. A transport-level error takes
// down all in-flight correlation for this session at once.
func (c *Correlator) broadcastFailure(err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolveError(id, err)
	}
}

func (c *Correlator) deliver(entry *pendingRun, out outcome) {
	entry.resultCh <- out
	for _, w := range entry.waiters {
		w <- out
	}
}

// remember retains a finished result for inspection, evicting FIFO past the
// configured limit. Caller must not hold c.mu.
func (c *Correlator) remember(result *domain.CommandResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.recent[result.RunID]; !exists {
		c.order = append(c.order, result.RunID)
	}
	c.recent[result.RunID] = result
	for len(c.order) > c.cfg.RecentLimit {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.recent, evict)
		delete(c.requests, evict)
	}
}

// unregister rolls back a registration whose request never reached the
// worker. The retained request goes too: a run that was never sent cannot
// be retried, and it never joins the eviction order.
func (c *Correlator) unregister(runID string) {
	c.mu.Lock()
	delete(c.pending, runID)
	delete(c.requests, runID)
	c.mu.Unlock()
}

func (c *Correlator) timeoutFor(kind domain.CommandKind) time.Duration {
	if kind == domain.CommandPrompt {
		return c.cfg.ResponseTimeout
	}
	return c.cfg.ControlTimeout
}

// validate fails fast on malformed requests before any transport call.
func validate(req domain.CommandRequest) error {
	op := "Correlator.Execute"
	if req.Kind == "" {
		return domain.NewDomainError(op, domain.ErrInvalidRequest, "missing command kind")
	}
	if !domain.ValidCommandKind(req.Kind) {
		return domain.NewDomainError(op, domain.ErrInvalidRequest,
			fmt.Sprintf("unknown command kind %q", req.Kind))
	}
	if req.Kind == domain.CommandPrompt && req.Prompt == "" {
		return domain.NewDomainError(op, domain.ErrInvalidRequest, "prompt command requires prompt text")
	}
	if req.Kind == domain.CommandCancel && req.TargetRunID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidRequest, "cancel command requires a target run id")
	}
	for key, val := range req.Options {
		if key == "" {
			return domain.NewDomainError(op, domain.ErrInvalidRequest, "option with empty key")
		}
		switch val.(type) {
		case string, bool, int, int64, float64, []any, map[string]any, nil:
		default:
			return domain.NewDomainError(op, domain.ErrInvalidRequest,
				fmt.Sprintf("option %q has unsupported type %T", key, val))
		}
	}
	return nil
}
