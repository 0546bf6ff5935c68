// ABOUTME: Per-connection frame loop that classifies and dispatches agent frames.
// ABOUTME: Binds on the first state-update, forwards results, and unbinds on exit.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/tether/internal/agent"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/state"
)

// ErrHandshakeTimeout indicates a connection never identified itself.
var ErrHandshakeTimeout = errors.New("handshake timeout")

// Resolver receives command results read off agent connections.
type Resolver interface {
	Resolve(requestID string, agentID identity.Identity, output string) bool
}

// MultiplexerConfig holds per-connection timing.
type MultiplexerConfig struct {
	// IdleTimeout is how long the loop waits for a frame before sending a ping.
	IdleTimeout time.Duration
	// HandshakeTimeout closes connections that send no state-update in time.
	// Zero disables it.
	HandshakeTimeout time.Duration
}

// Multiplexer runs the read loop for each agent connection.
type Multiplexer struct {
	registry *agent.Registry
	states   *state.Store
	resolver Resolver
	cfg      MultiplexerConfig
	logger   *slog.Logger
}

// NewMultiplexer creates a Multiplexer.
func NewMultiplexer(registry *agent.Registry, states *state.Store, resolver Resolver, cfg MultiplexerConfig, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Multiplexer{
		registry: registry,
		states:   states,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Serve processes frames from conn in arrival order until the connection
// fails, is closed, or ctx ends. On return the connection is closed and, if
// it is still the current handle for its identity, unbound.
func (m *Multiplexer) Serve(ctx context.Context, conn *agent.Connection) error {
	logger := m.logger.With("conn_id", conn.ID, "remote_addr", conn.RemoteAddr)

	frames := make(chan *protocol.Frame)
	recvErr := make(chan error, 1)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		m.pump(conn, frames, recvErr, logger)
	}()

	defer func() {
		_ = conn.Close()
		<-pumpDone
		if id := conn.Identity(); id != "" {
			m.registry.Unbind(id, conn)
		}
	}()

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	var handshake <-chan time.Time
	if m.cfg.HandshakeTimeout > 0 {
		t := time.NewTimer(m.cfg.HandshakeTimeout)
		defer t.Stop()
		handshake = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("connection loop cancelled")
			return nil

		case err := <-recvErr:
			if conn.Closed() {
				logger.Debug("connection closed", "agent_id", conn.Identity())
				return nil
			}
			logger.Info("connection read failed", "agent_id", conn.Identity(), "error", err)
			return fmt.Errorf("%w: %v", agent.ErrTransportFailure, err)

		case f := <-frames:
			resetTimer(idle, m.cfg.IdleTimeout)
			if err := m.dispatch(conn, f, logger); err != nil {
				return err
			}
			if conn.State() == agent.StateBound {
				handshake = nil
			}

		case <-idle.C:
			if err := conn.Send(protocol.Ping()); err != nil {
				logger.Info("keepalive ping failed", "agent_id", conn.Identity(), "error", err)
				return err
			}
			logger.Debug("sent keepalive ping", "agent_id", conn.Identity())
			idle.Reset(m.cfg.IdleTimeout)

		case <-handshake:
			logger.Warn("closing connection that never identified itself")
			_ = conn.Send(protocol.ProtocolError("handshake timeout: no state-update received"))
			return ErrHandshakeTimeout
		}
	}
}

// pump moves frames from the blocking Recv onto a channel so the loop can
// also wait on timers.
func (m *Multiplexer) pump(conn *agent.Connection, frames chan<- *protocol.Frame, recvErr chan<- error, logger *slog.Logger) {
	for {
		f, err := conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				logger.Warn("ignoring malformed frame", "agent_id", conn.Identity(), "error", err)
				continue
			}
			recvErr <- err
			return
		}
		select {
		case frames <- f:
		case <-conn.Done():
			return
		}
	}
}

func (m *Multiplexer) dispatch(conn *agent.Connection, f *protocol.Frame, logger *slog.Logger) error {
	switch kind := protocol.Classify(f); kind {
	case protocol.KindStateUpdate:
		return m.handleStateUpdate(conn, f, logger)

	case protocol.KindHeartbeat:
		if f.Type == protocol.TypePing {
			return conn.Send(protocol.Pong())
		}
		// pong: Recv already refreshed liveness
		return nil

	case protocol.KindCommandResult:
		m.handleCommandResult(conn, f, logger)
		return nil

	default:
		logger.Warn("ignoring frame",
			"agent_id", conn.Identity(),
			"type", f.Type,
			"kind", kind,
		)
		return nil
	}
}

func (m *Multiplexer) handleStateUpdate(conn *agent.Connection, f *protocol.Frame, logger *slog.Logger) error {
	id, err := identity.Parse(f.ID)
	if err != nil {
		logger.Warn("rejecting connection with invalid agent id", "id", f.ID)
		_ = conn.Send(protocol.ProtocolError("Invalid client ID format"))
		return err
	}

	if conn.State() != agent.StateBound {
		if err := m.registry.Bind(id, conn); err != nil {
			return err
		}
	} else if bound := conn.Identity(); bound != id {
		logger.Warn("rejecting identity change on bound connection",
			"agent_id", bound,
			"reported_id", id,
		)
		_ = conn.Send(protocol.ProtocolError("agent id does not match this connection"))
		return fmt.Errorf("%w: bound to %s, got %s", agent.ErrIdentityMismatch, bound, id)
	}

	rec := m.states.Upsert(state.Record{
		ID:         id,
		Name:       f.Name,
		Status:     f.Status,
		LastActive: f.LastActive,
		OS:         f.OS,
		Payload:    f.Payload,
	})
	logger.Debug("state update", "agent_id", id, "status", rec.Status, "name", rec.Name)
	return nil
}

func (m *Multiplexer) handleCommandResult(conn *agent.Connection, f *protocol.Frame, logger *slog.Logger) {
	if f.RequestID == "" {
		logger.Warn("ignoring command result without request id", "agent_id", conn.Identity())
		return
	}

	// Results may arrive before the first state-update, so a frame's own id
	// stands in for an unbound connection's identity.
	from := conn.Identity()
	if from == "" && identity.Valid(f.ID) {
		from = identity.Identity(f.ID)
	}

	if !m.resolver.Resolve(f.RequestID, from, f.Result) {
		logger.Debug("command result not applied",
			"agent_id", from,
			"request_id", f.RequestID,
		)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
