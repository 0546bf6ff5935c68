// ABOUTME: Correlates command frames sent to agents with the results they return.
// ABOUTME: Mints request ids, tracks pending futures, and retains recent results for polling.

package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/tether/internal/agent"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
)

// ErrUnknownRequest indicates the request id was never issued or has been reclaimed.
var ErrUnknownRequest = errors.New("unknown request")

// ErrRequestExpired indicates a pending request outlived the maximum age.
var ErrRequestExpired = errors.New("request expired")

// Status is the externally visible state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// Snapshot is a non-blocking view of a request.
type Snapshot struct {
	Status    Status
	RequestID string
	AgentID   identity.Identity
	Output    string
	Err       error
	IssuedAt  time.Time
}

// Lookuper resolves an identity to its current connection.
type Lookuper interface {
	Lookup(id identity.Identity) (*agent.Connection, bool)
}

// Observer is told about submissions and terminal results. Events are
// queued in order and handed to the observer from a single background
// goroutine, so a slow observer never holds up Submit or Resolve.
type Observer interface {
	CommandSubmitted(f *Future)
	CommandCompleted(r Result)
}

// Config holds correlator limits.
type Config struct {
	// MaxAge fails pending requests older than this on Sweep. Zero disables.
	MaxAge time.Duration
	// ResultTTL drops retained results older than this on Sweep. Zero disables.
	ResultTTL time.Duration
	// MaxRetained bounds how many completed requests stay pollable.
	MaxRetained int
	// Prefix namespaces request ids. Generated when empty.
	Prefix string
	// EventBuffer bounds the observer queue. Events beyond it are dropped.
	EventBuffer int
}

const (
	defaultMaxRetained = 1024
	defaultEventBuffer = 1024
)

// observerEvent is one queued notification: a submission or a completion.
type observerEvent struct {
	submitted *Future
	result    Result
}

func (ev observerEvent) requestID() string {
	if ev.submitted != nil {
		return ev.submitted.RequestID
	}
	return ev.result.RequestID
}

// Correlator owns every in-flight and recently completed request.
type Correlator struct {
	conns    Lookuper
	cfg      Config
	prefix   string
	observer Observer

	mu       sync.Mutex
	counter  uint64
	pending  map[string]*Future
	retained *lru.Cache[string, *Future]

	// events is nil until SetObserver; closed is set by Close.
	events    chan observerEvent
	closed    bool
	delivered chan struct{}

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Correlator that sends through connections found in conns.
func New(conns Lookuper, cfg Config, logger *slog.Logger) (*Correlator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = defaultMaxRetained
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	retained, err := lru.New[string, *Future](cfg.MaxRetained)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = uuid.New().String()[:8]
	}
	return &Correlator{
		conns:    conns,
		cfg:      cfg,
		prefix:   prefix,
		pending:  make(map[string]*Future),
		retained: retained,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// SetObserver installs o and starts delivering events to it in the
// background. Call before the first Submit, and call Close when done.
func (c *Correlator) SetObserver(o Observer) {
	c.observer = o
	c.events = make(chan observerEvent, c.cfg.EventBuffer)
	c.delivered = make(chan struct{})
	go c.deliver()
}

func (c *Correlator) deliver() {
	defer close(c.delivered)
	for ev := range c.events {
		if ev.submitted != nil {
			c.observer.CommandSubmitted(ev.submitted)
		} else {
			c.observer.CommandCompleted(ev.result)
		}
	}
}

// emitLocked queues ev for the observer without blocking.
func (c *Correlator) emitLocked(ev observerEvent) {
	if c.events == nil || c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("observer queue full, dropping event", "request_id", ev.requestID())
	}
}

// Close stops the observer after every queued event has been delivered, or
// when ctx ends. Events raised after Close are not delivered.
func (c *Correlator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.events == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	select {
	case <-c.delivered:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivering queued command events: %w", ctx.Err())
	}
}

// Submit sends cmd to the agent and returns the new request id without
// waiting for the result.
func (c *Correlator) Submit(ctx context.Context, id identity.Identity, cmd Command) (string, error) {
	f, err := c.SubmitFuture(ctx, id, cmd)
	if err != nil {
		return "", err
	}
	return f.RequestID, nil
}

// SubmitFuture is Submit returning the request's Future.
// If the agent is not connected no request is recorded.
func (c *Correlator) SubmitFuture(ctx context.Context, id identity.Identity, cmd Command) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, ok := c.conns.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotConnected, id)
	}

	f := newFuture(id, conn.ID, cmd, c.now())

	// Registered and queued before the write so a fast reply always finds
	// its entry and the observer sees the submission before any outcome.
	c.mu.Lock()
	f.RequestID = c.mintLocked()
	c.pending[f.RequestID] = f
	c.emitLocked(observerEvent{submitted: f})
	c.mu.Unlock()

	if err := conn.Send(protocol.Command(cmd.Shell, cmd.Script, f.RequestID)); err != nil {
		err = fmt.Errorf("sending command to %s: %w", id, err)

		c.mu.Lock()
		if _, stillPending := c.pending[f.RequestID]; stillPending {
			c.completeLocked(f, "", err)
		}
		c.retained.Remove(f.RequestID)
		c.mu.Unlock()

		c.logger.Warn("failed to send command",
			"request_id", f.RequestID,
			"agent_id", id,
			"error", err,
		)
		return nil, err
	}

	c.logger.Info("command submitted",
		"request_id", f.RequestID,
		"agent_id", id,
		"shell", cmd.Shell,
	)
	return f, nil
}

// mintLocked returns a request id not currently pending or retained.
func (c *Correlator) mintLocked() string {
	for {
		c.counter++
		rid := c.prefix + "-" + strconv.FormatUint(c.counter, 10)
		if _, taken := c.pending[rid]; taken {
			continue
		}
		if c.retained.Contains(rid) {
			continue
		}
		return rid
	}
}

// Resolve applies an agent's result to its pending request. agentID may be
// empty; when set it must match the request's target. Results for unknown,
// expired, or already completed requests are dropped. Reports whether the
// result was applied.
func (c *Correlator) Resolve(requestID string, agentID identity.Identity, output string) bool {
	c.mu.Lock()
	f, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("dropping result for unknown or completed request",
			"request_id", requestID,
			"agent_id", agentID,
		)
		return false
	}
	if agentID != "" && agentID != f.AgentID {
		c.mu.Unlock()
		c.logger.Warn("dropping result from wrong agent",
			"request_id", requestID,
			"agent_id", agentID,
			"expected_agent", f.AgentID,
		)
		return false
	}
	res := c.completeLocked(f, output, nil)
	c.mu.Unlock()

	c.logger.Info("command resolved",
		"request_id", requestID,
		"agent_id", f.AgentID,
		"elapsed", res.ResolvedAt.Sub(f.IssuedAt),
	)
	return true
}

// completeLocked moves f from pending to retained with the given outcome
// and queues the completion for the observer.
func (c *Correlator) completeLocked(f *Future, output string, err error) Result {
	delete(c.pending, f.RequestID)
	res := Result{
		RequestID:  f.RequestID,
		AgentID:    f.AgentID,
		Output:     output,
		Err:        err,
		ResolvedAt: c.now(),
	}
	f.complete(res)
	c.retained.Add(f.RequestID, f)
	c.emitLocked(observerEvent{result: res})
	return res
}

// Poll reports the request's state without blocking.
func (c *Correlator) Poll(requestID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.pending[requestID]; ok {
		return Snapshot{
			Status:    StatusPending,
			RequestID: requestID,
			AgentID:   f.AgentID,
			IssuedAt:  f.IssuedAt,
		}
	}
	if f, ok := c.retained.Get(requestID); ok {
		res, _ := f.Result()
		snap := Snapshot{
			Status:    StatusResolved,
			RequestID: requestID,
			AgentID:   f.AgentID,
			Output:    res.Output,
			Err:       res.Err,
			IssuedAt:  f.IssuedAt,
		}
		if res.Failed() {
			snap.Status = StatusFailed
		}
		return snap
	}
	return Snapshot{Status: StatusUnknown, RequestID: requestID}
}

// Wait blocks until the request completes or ctx ends.
func (c *Correlator) Wait(ctx context.Context, requestID string) (Result, error) {
	c.mu.Lock()
	f, ok := c.pending[requestID]
	if !ok {
		f, ok = c.retained.Get(requestID)
	}
	c.mu.Unlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return f.Wait(ctx)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailConnection fails every pending request that was sent over conn. It has
// the shape of agent.ReleaseFunc so it can be registered on the Registry.
// Requests sent over a newer connection for the same agent are untouched.
// The failure always matches agent.ErrAgentDisconnected.
func (c *Correlator) FailConnection(conn *agent.Connection, cause error) {
	if !errors.Is(cause, agent.ErrAgentDisconnected) {
		cause = fmt.Errorf("%w: %w", agent.ErrAgentDisconnected, cause)
	}
	c.failMatching(func(f *Future) bool { return f.connID == conn.ID }, cause)
}

func (c *Correlator) failMatching(match func(*Future) bool, cause error) int {
	c.mu.Lock()
	var failed []Result
	for _, f := range c.pending {
		if match(f) {
			failed = append(failed, c.completeLocked(f, "", cause))
		}
	}
	c.mu.Unlock()

	for _, res := range failed {
		c.logger.Warn("command failed",
			"request_id", res.RequestID,
			"agent_id", res.AgentID,
			"error", res.Err,
		)
	}
	return len(failed)
}

// Sweep expires pending requests older than MaxAge and drops retained
// results older than ResultTTL.
func (c *Correlator) Sweep(now time.Time) (expired, dropped int) {
	if c.cfg.MaxAge > 0 {
		expired = c.failMatching(func(f *Future) bool {
			return now.Sub(f.IssuedAt) >= c.cfg.MaxAge
		}, ErrRequestExpired)
	}

	if c.cfg.ResultTTL > 0 {
		c.mu.Lock()
		for _, rid := range c.retained.Keys() {
			f, ok := c.retained.Peek(rid)
			if !ok {
				continue
			}
			res, _ := f.Result()
			if now.Sub(res.ResolvedAt) >= c.cfg.ResultTTL {
				c.retained.Remove(rid)
				dropped++
			}
		}
		c.mu.Unlock()
	}

	if expired > 0 || dropped > 0 {
		c.logger.Debug("request sweep", "expired", expired, "dropped", dropped)
	}
	return expired, dropped
}

// Run sweeps every interval until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}
