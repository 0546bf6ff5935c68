// ABOUTME: Maps agent identities to their single live connection.
// ABOUTME: A new connection for an identity supersedes and closes the previous one.

package agent

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/state"
)

// ErrAgentNotConnected indicates no connection is bound for the identity.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrAgentDisconnected indicates the agent's connection went away.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrSuperseded indicates a connection was replaced by a newer one for the same identity.
var ErrSuperseded = errors.New("connection superseded")

// ErrTransportFailure indicates a read or write error on a connection.
var ErrTransportFailure = errors.New("transport failure")

// ErrIdentityMismatch indicates a bound connection reported a different identity.
var ErrIdentityMismatch = errors.New("identity mismatch")

// ReleaseFunc is called after a connection stops being the current handle
// for its identity, either by supersession or by unbind.
type ReleaseFunc func(conn *Connection, cause error)

// Registry holds at most one Connection per identity.
type Registry struct {
	conns  map[identity.Identity]*Connection
	states *state.Store
	hooks  []ReleaseFunc
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a Registry that marks records offline in states on unbind.
func NewRegistry(states *state.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[identity.Identity]*Connection),
		states: states,
		logger: logger,
	}
}

// OnRelease registers fn to run whenever a connection is superseded or unbound.
// Register hooks before connections are accepted.
func (r *Registry) OnRelease(fn ReleaseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Bind installs conn as the current handle for id. A previous handle for id
// is closed. Binding the already-current handle again is a no-op.
func (r *Registry) Bind(id identity.Identity, conn *Connection) error {
	if err := conn.bind(id); err != nil {
		return err
	}

	r.mu.Lock()
	prior, exists := r.conns[id]
	if exists && prior == conn {
		r.mu.Unlock()
		return nil
	}
	r.conns[id] = conn
	hooks := r.hooks
	total := len(r.conns)
	r.mu.Unlock()

	if exists {
		r.logger.Warn("agent reconnected, closing previous connection",
			"agent_id", id,
			"previous_conn", prior.ID,
			"conn_id", conn.ID,
		)
		_ = prior.Close()
		for _, fn := range hooks {
			fn(prior, ErrSuperseded)
		}
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", id,
		"conn_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"total_agents", total,
	)
	return nil
}

// Lookup returns the current handle for id. Absence means "not connected".
func (r *Registry) Lookup(id identity.Identity) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Unbind removes conn as the handle for id, only if it is still the current
// one. A stale handle left behind by a reconnect is ignored. On success the
// agent's record is marked offline. Reports whether the mapping was removed.
func (r *Registry) Unbind(id identity.Identity, conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.conns[id]
	if !ok || current != conn {
		r.mu.Unlock()
		if ok {
			r.logger.Debug("ignoring unbind of superseded connection",
				"agent_id", id,
				"conn_id", conn.ID,
				"current_conn", current.ID,
			)
		}
		return false
	}
	delete(r.conns, id)
	// Under the lock so a rebind's first upsert always lands after this.
	if r.states != nil {
		r.states.MarkOffline(id)
	}
	hooks := r.hooks
	total := len(r.conns)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(conn, ErrAgentDisconnected)
	}

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", id,
		"conn_id", conn.ID,
		"total_agents", total,
	)
	return true
}

// Connections returns a snapshot of all bound connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IsOnline checks whether a connection is bound for id.
func (r *Registry) IsOnline(id identity.Identity) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Count returns the number of bound connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every bound connection. Each connection's loop performs
// its own unbind as it exits.
func (r *Registry) CloseAll() {
	for _, c := range r.Connections() {
		_ = c.Close()
	}
}
