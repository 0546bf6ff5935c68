// ABOUTME: Agent runtime that keeps a connection to the hub, reports state and runs commands.
// ABOUTME: Reconnects with jittered exponential backoff after transport failures.

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/tether/internal/collect"
	"github.com/2389/tether/internal/executor"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/transport"
)

// Config holds the runtime settings of one agent.
type Config struct {
	HubURL string
	ID     identity.Identity
	Name   string

	// ReportMin and ReportMax bound the random delay between state updates.
	ReportMin time.Duration
	ReportMax time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter spreads each backoff by up to this fraction in either direction.
	Jitter float64

	MaxFrameBytes int64
}

// Defaults for zero-valued Config fields.
const (
	DefaultReportMin      = 5 * time.Second
	DefaultReportMax      = 10 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitter         = 0.2
)

func (c Config) withDefaults() Config {
	if c.ReportMin <= 0 {
		c.ReportMin = DefaultReportMin
	}
	if c.ReportMax < c.ReportMin {
		c.ReportMax = max(c.ReportMin, DefaultReportMax)
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(c.InitialBackoff, DefaultMaxBackoff)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	if c.Name == "" {
		c.Name = "agent-" + string(c.ID)
	}
	return c
}

// Runner is one agent's connection to the hub.
type Runner struct {
	cfg       Config
	collector collect.Collector
	executor  executor.Executor
	logger    *slog.Logger

	// online is cleared when the hub sends an error frame, which stops
	// state reports until the next connection.
	online atomic.Bool

	randMu sync.Mutex
	rand   *rand.Rand
}

// New creates a Runner. cfg.HubURL and cfg.ID are required.
func New(cfg Config, collector collect.Collector, exec executor.Executor, logger *slog.Logger) (*Runner, error) {
	if cfg.HubURL == "" {
		return nil, errors.New("hub url is required")
	}
	if !identity.Valid(string(cfg.ID)) {
		return nil, fmt.Errorf("%w: %q", identity.ErrInvalidFormat, cfg.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg.withDefaults(),
		collector: collector,
		executor:  exec,
		logger:    logger.With("agent_id", cfg.ID),
		rand:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Run connects to the hub and serves it until ctx is cancelled, reconnecting
// after every failure. Returns nil when ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := r.session(ctx)
		if ctx.Err() != nil {
			r.logger.Info("agent stopped")
			return nil
		}
		if connected {
			attempt = 0
		}

		delay := r.backoff(attempt)
		attempt++
		r.logger.Log(ctx, disconnectLevel(err), "disconnected from hub, reconnecting",
			"error", err,
			"retry_in", delay.Round(time.Millisecond),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("agent stopped")
			return nil
		case <-timer.C:
		}
	}
}

// disconnectLevel logs an orderly close from the hub at info and anything
// else at warn.
func disconnectLevel(err error) slog.Level {
	if transport.IsNormalClose(err) {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// backoff returns the delay before reconnect attempt n (zero based).
func (r *Runner) backoff(n int) time.Duration {
	d := r.cfg.InitialBackoff
	for i := 0; i < n && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, r.cfg.MaxBackoff)

	if r.cfg.Jitter > 0 {
		r.randMu.Lock()
		f := 1 + r.cfg.Jitter*(2*r.rand.Float64()-1)
		r.randMu.Unlock()
		d = time.Duration(float64(d) * f)
	}
	return d
}

func (r *Runner) randomReportDelay() time.Duration {
	span := r.cfg.ReportMax - r.cfg.ReportMin
	if span <= 0 {
		return r.cfg.ReportMin
	}
	r.randMu.Lock()
	defer r.randMu.Unlock()
	return r.cfg.ReportMin + time.Duration(r.rand.Int64N(int64(span)+1))
}

// session runs one connection. connected reports whether the dial succeeded.
func (r *Runner) session(ctx context.Context) (connected bool, err error) {
	ws, err := transport.Dial(ctx, r.cfg.HubURL, transport.Options{MaxFrameBytes: r.cfg.MaxFrameBytes})
	if err != nil {
		return false, err
	}
	r.logger.Info("connected to hub", "url", r.cfg.HubURL)

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = ws.Close()
		wg.Wait()
	}()

	// Recv has no context; closing the stream is what unblocks it.
	wg.Go(func() {
		<-sctx.Done()
		_ = ws.Close()
	})

	r.online.Store(true)
	if err := r.report(sctx, ws); err != nil {
		return true, err
	}
	wg.Go(func() { r.reportLoop(sctx, ws) })

	for {
		f, err := ws.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				r.logger.Warn("ignoring malformed frame", "error", err)
				continue
			}
			if sctx.Err() != nil {
				return true, sctx.Err()
			}
			return true, err
		}

		switch f.Type {
		case protocol.TypePing:
			if err := ws.Send(protocol.Pong()); err != nil {
				return true, err
			}
		case protocol.TypeCommand:
			wg.Go(func() { r.runCommand(sctx, ws, f) })
		case protocol.TypeError:
			r.logger.Error("hub reported an error", "message", f.Message)
			r.online.Store(false)
		case protocol.TypePong:
		default:
			r.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (r *Runner) reportLoop(ctx context.Context, ws *transport.WebSocket) {
	for {
		timer := time.NewTimer(r.randomReportDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !r.online.Load() {
			continue
		}
		if err := r.report(ctx, ws); err != nil {
			r.logger.Warn("state report failed", "error", err)
			return
		}
	}
}

// report sends one state-update built from a fresh snapshot.
func (r *Runner) report(ctx context.Context, ws *transport.WebSocket) error {
	f := &protocol.Frame{
		Type:       protocol.TypeStateUpdate,
		ID:         string(r.cfg.ID),
		Name:       r.cfg.Name,
		Status:     protocol.StatusOnline,
		LastActive: time.Now().UTC().Format(time.RFC3339),
		OS:         runtime.GOOS,
	}

	if r.collector != nil {
		snap, err := r.collector.Collect(ctx)
		if err != nil {
			r.logger.Warn("host snapshot failed", "error", err)
		} else {
			f.OS = snap.OSName()
			if payload, err := json.Marshal(snap); err == nil {
				f.Payload = payload
			}
		}
	}

	if err := ws.Send(f); err != nil {
		return fmt.Errorf("sending state update: %w", err)
	}
	r.logger.Debug("sent state update", "os", f.OS)
	return nil
}

func (r *Runner) runCommand(ctx context.Context, ws *transport.WebSocket, f *protocol.Frame) {
	logger := r.logger.With("request_id", f.RequestID, "shell", f.Shell)
	if f.RequestID == "" {
		logger.Warn("ignoring command without request id")
		return
	}

	logger.Info("running command")
	start := time.Now()
	output := r.executor.Execute(ctx, f.Shell, f.Script)

	if ctx.Err() != nil {
		logger.Info("connection closed before command finished")
		return
	}
	if err := ws.Send(protocol.CommandResult(string(r.cfg.ID), f.RequestID, output)); err != nil {
		logger.Warn("failed to send command result", "error", err)
		return
	}
	logger.Info("command finished", "elapsed", time.Since(start).Round(time.Millisecond))
}
