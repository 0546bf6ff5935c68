// ABOUTME: Represents a single agent connection and its bidirectional frame stream.
// ABOUTME: Tracks the handshaking/bound/closed lifecycle and inbound activity times.

package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
)

// Stream is a bidirectional frame channel to one agent.
// Recv blocks until a frame arrives or the stream fails; it must return an
// error once Close has been called.
type Stream interface {
	Send(*protocol.Frame) error
	Recv() (*protocol.Frame, error)
	Close() error
}

// State is the lifecycle state of a Connection.
type State int32

const (
	// StateHandshaking: accepted, no state-update seen yet.
	StateHandshaking State = iota
	// StateBound: installed in the Registry under an identity.
	StateBound
	// StateClosed: the stream is closed; terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the hub's handle on one agent transport.
type Connection struct {
	ID         string
	RemoteAddr string

	stream Stream
	sendMu sync.Mutex

	mu       sync.RWMutex
	identity identity.Identity
	state    State

	lastFrame atomic.Int64
	probedAt  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID         string // generated when empty
	RemoteAddr string
	Stream     Stream
	Logger     *slog.Logger
}

// NewConnection creates a Connection in the handshaking state.
func NewConnection(p ConnectionParams) *Connection {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ID:         id,
		RemoteAddr: p.RemoteAddr,
		stream:     p.Stream,
		state:      StateHandshaking,
		done:       make(chan struct{}),
		logger:     logger,
	}
	c.lastFrame.Store(time.Now().UnixNano())
	return c
}

// Send writes a frame to the agent. Writes are serialized.
func (c *Connection) Send(f *protocol.Frame) error {
	if c.Closed() {
		return fmt.Errorf("%w: connection %s closed", ErrTransportFailure, c.ID)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.stream.Send(f); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// Recv blocks for the next frame and records the arrival time.
func (c *Connection) Recv() (*protocol.Frame, error) {
	f, err := c.stream.Recv()
	if err != nil {
		return nil, err
	}
	c.Touch(time.Now())
	return f, nil
}

// Touch records inbound activity and clears any outstanding probe.
func (c *Connection) Touch(t time.Time) {
	c.lastFrame.Store(t.UnixNano())
	c.probedAt.Store(0)
}

// LastFrame returns when the last inbound frame arrived.
func (c *Connection) LastFrame() time.Time {
	return time.Unix(0, c.lastFrame.Load())
}

// MarkProbed records that a liveness probe was sent at t.
func (c *Connection) MarkProbed(t time.Time) {
	c.probedAt.Store(t.UnixNano())
}

// clearProbe drops the probe marked at t unless a newer one replaced it.
func (c *Connection) clearProbe(t time.Time) {
	c.probedAt.CompareAndSwap(t.UnixNano(), 0)
}

// ProbedAt returns the time of the outstanding probe, if any.
func (c *Connection) ProbedAt() (time.Time, bool) {
	n := c.probedAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Identity returns the identity this connection is bound to, or "".
func (c *Connection) Identity() identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// bind moves the connection to the bound state under id.
func (c *Connection) bind(id identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateClosed:
		return fmt.Errorf("%w: connection %s closed", ErrTransportFailure, c.ID)
	case c.state == StateBound && c.identity != id:
		return fmt.Errorf("%w: bound to %s, got %s", ErrIdentityMismatch, c.identity, id)
	}
	c.identity = id
	c.state = StateBound
	return nil
}

// Close closes the stream and moves to the closed state. Safe to call more
// than once; only the first call closes the stream.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
		err = c.stream.Close()
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
