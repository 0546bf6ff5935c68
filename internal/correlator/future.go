// ABOUTME: Future is the in-flight handle for one command sent to an agent.
// ABOUTME: It resolves exactly once, either with the agent's output or with an error.

package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/2389/tether/internal/identity"
)

// Command is what an operator asks an agent to run.
type Command struct {
	Shell  string `json:"shell"`
	Script string `json:"script"`
}

// Result is the terminal outcome of a request.
type Result struct {
	RequestID  string
	AgentID    identity.Identity
	Output     string
	Err        error
	ResolvedAt time.Time
}

// Failed reports whether the request ended without agent output.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Future tracks one outstanding command.
type Future struct {
	RequestID string
	AgentID   identity.Identity
	Command   Command
	IssuedAt  time.Time

	connID string
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture(agentID identity.Identity, connID string, cmd Command, issued time.Time) *Future {
	return &Future{
		AgentID:  agentID,
		Command:  cmd,
		IssuedAt: issued,
		connID:   connID,
		done:     make(chan struct{}),
	}
}

// complete stores r and wakes waiters. Only the first call has any effect.
func (f *Future) complete(r Result) bool {
	applied := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		applied = true
	})
	return applied
}

// Done is closed once the future is resolved or failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome if the future has completed.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the future completes or ctx ends. A failed request
// returns its Result together with the failure.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
