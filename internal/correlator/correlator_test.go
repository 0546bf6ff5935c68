// ABOUTME: Tests for request correlation between submitted commands and agent results.
// ABOUTME: Covers submit, resolve idempotency, polling, waiting, failure on disconnect, and sweeps.

package correlator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/tether/internal/agent"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/state"
)

const agentID identity.Identity = "123-456-789"

type recordingStream struct {
	mu      sync.Mutex
	sent    []*protocol.Frame
	sendErr error
	closed  chan struct{}
	once    sync.Once
}

func newRecordingStream() *recordingStream {
	return &recordingStream{closed: make(chan struct{})}
}

func (s *recordingStream) Send(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *recordingStream) Recv() (*protocol.Frame, error) {
	<-s.closed
	return nil, io.EOF
}

func (s *recordingStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *recordingStream) commands() []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

type recordingObserver struct {
	delay time.Duration

	mu        sync.Mutex
	submitted []string
	completed []Result
	events    []string
}

func (o *recordingObserver) CommandSubmitted(f *Future) {
	time.Sleep(o.delay)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, f.RequestID)
	o.events = append(o.events, "submitted "+f.RequestID)
}

func (o *recordingObserver) CommandCompleted(r Result) {
	time.Sleep(o.delay)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, r)
	o.events = append(o.events, "completed "+r.RequestID)
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func closeCorrelator(t *testing.T, c *Correlator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

type fixture struct {
	registry *agent.Registry
	corr     *Correlator
	conn     *agent.Connection
	stream   *recordingStream
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := agent.NewRegistry(state.NewStore(nil), slog.Default())
	corr, err := New(reg, cfg, slog.Default())
	require.NoError(t, err)
	reg.OnRelease(corr.FailConnection)

	stream := newRecordingStream()
	conn := agent.NewConnection(agent.ConnectionParams{ID: "conn-a", Stream: stream})
	require.NoError(t, reg.Bind(agentID, conn))

	return &fixture{registry: reg, corr: corr, conn: conn, stream: stream}
}

func echo() Command {
	return Command{Shell: "bash", Script: "echo hi"}
}

func TestSubmit(t *testing.T) {
	t.Run("sends command frame and returns immediately", func(t *testing.T) {
		fx := newFixture(t, Config{Prefix: "hub"})

		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)
		assert.Equal(t, "hub-1", rid)

		sent := fx.stream.commands()
		require.Len(t, sent, 1)
		assert.Equal(t, protocol.TypeCommand, sent[0].Type)
		assert.Equal(t, "bash", sent[0].Shell)
		assert.Equal(t, "echo hi", sent[0].Script)
		assert.Equal(t, rid, sent[0].RequestID)

		assert.Equal(t, StatusPending, fx.corr.Poll(rid).Status)
		assert.Equal(t, 1, fx.corr.Pending())
	})

	t.Run("request ids are unique", func(t *testing.T) {
		fx := newFixture(t, Config{})
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			rid, err := fx.corr.Submit(context.Background(), agentID, echo())
			require.NoError(t, err)
			require.False(t, seen[rid], "duplicate request id %s", rid)
			seen[rid] = true
		}
	})

	t.Run("absent agent is rejected without a pending entry", func(t *testing.T) {
		fx := newFixture(t, Config{})

		_, err := fx.corr.Submit(context.Background(), "000-000-001", echo())
		assert.ErrorIs(t, err, agent.ErrAgentNotConnected)
		assert.Zero(t, fx.corr.Pending())
	})

	t.Run("write failure removes the entry", func(t *testing.T) {
		fx := newFixture(t, Config{Prefix: "hub"})
		fx.stream.sendErr = errors.New("broken pipe")

		_, err := fx.corr.Submit(context.Background(), agentID, echo())
		assert.ErrorIs(t, err, agent.ErrTransportFailure)
		assert.Zero(t, fx.corr.Pending())
		assert.Equal(t, StatusUnknown, fx.corr.Poll("hub-1").Status)
	})

	t.Run("cancelled context is rejected", func(t *testing.T) {
		fx := newFixture(t, Config{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := fx.corr.Submit(ctx, agentID, echo())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, fx.stream.commands())
	})
}

func TestResolve(t *testing.T) {
	t.Run("pending transitions to resolved", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		assert.Equal(t, StatusPending, fx.corr.Poll(rid).Status)

		require.True(t, fx.corr.Resolve(rid, agentID, "hi\n"))

		snap := fx.corr.Poll(rid)
		assert.Equal(t, StatusResolved, snap.Status)
		assert.Equal(t, "hi\n", snap.Output)
		assert.Equal(t, agentID, snap.AgentID)
		assert.Zero(t, fx.corr.Pending())
	})

	t.Run("second resolve is a no-op", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		assert.True(t, fx.corr.Resolve(rid, agentID, "first"))
		assert.False(t, fx.corr.Resolve(rid, agentID, "second"))

		assert.Equal(t, "first", fx.corr.Poll(rid).Output)
	})

	t.Run("unknown request is dropped", func(t *testing.T) {
		fx := newFixture(t, Config{})
		assert.False(t, fx.corr.Resolve("nope-1", agentID, "x"))
		assert.Equal(t, StatusUnknown, fx.corr.Poll("nope-1").Status)
	})

	t.Run("result from another agent is dropped", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		assert.False(t, fx.corr.Resolve(rid, "999-000-000", "spoofed"))
		assert.Equal(t, StatusPending, fx.corr.Poll(rid).Status)
	})

	t.Run("empty agent id is accepted", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		assert.True(t, fx.corr.Resolve(rid, "", "ok"))
	})

	t.Run("observer sees submission and completion", func(t *testing.T) {
		fx := newFixture(t, Config{})
		obs := &recordingObserver{}
		fx.corr.SetObserver(obs)

		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)
		fx.corr.Resolve(rid, agentID, "hi\n")
		closeCorrelator(t, fx.corr)

		assert.Equal(t, []string{rid}, obs.submitted)
		require.Len(t, obs.completed, 1)
		assert.Equal(t, "hi\n", obs.completed[0].Output)
	})
}

func TestObserverDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("slow observer does not hold up submit or resolve", func(t *testing.T) {
		fx := newFixture(t, Config{})
		obs := &recordingObserver{delay: 300 * time.Millisecond}
		fx.corr.SetObserver(obs)

		start := time.Now()
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond, "Submit waited on the observer")

		start = time.Now()
		require.True(t, fx.corr.Resolve(rid, agentID, "hi\n"))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "Resolve waited on the observer")

		closeCorrelator(t, fx.corr)
		assert.Equal(t, []string{"submitted " + rid, "completed " + rid}, obs.seen())
	})

	t.Run("failed send is observed after its submission", func(t *testing.T) {
		fx := newFixture(t, Config{})
		obs := &recordingObserver{}
		fx.corr.SetObserver(obs)
		fx.stream.sendErr = errors.New("broken pipe")

		_, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.Error(t, err)
		closeCorrelator(t, fx.corr)

		events := obs.seen()
		require.Len(t, events, 2)
		assert.Contains(t, events[0], "submitted ")
		assert.Contains(t, events[1], "completed ")
	})

	t.Run("disconnect during submit is observed after its submission", func(t *testing.T) {
		fx := newFixture(t, Config{})
		obs := &recordingObserver{}
		fx.corr.SetObserver(obs)

		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)
		fx.registry.Unbind(agentID, fx.conn)
		closeCorrelator(t, fx.corr)

		assert.Equal(t, []string{"submitted " + rid, "completed " + rid}, obs.seen())
	})

	t.Run("full queue drops events instead of blocking", func(t *testing.T) {
		fx := newFixture(t, Config{EventBuffer: 1})
		obs := &recordingObserver{delay: 200 * time.Millisecond}
		fx.corr.SetObserver(obs)

		start := time.Now()
		for i := 0; i < 5; i++ {
			_, err := fx.corr.Submit(context.Background(), agentID, echo())
			require.NoError(t, err)
		}
		assert.Less(t, time.Since(start), 150*time.Millisecond)

		closeCorrelator(t, fx.corr)
		assert.Less(t, len(obs.seen()), 5)
	})

	t.Run("close without observer and twice is safe", func(t *testing.T) {
		fx := newFixture(t, Config{})
		closeCorrelator(t, fx.corr)
		closeCorrelator(t, fx.corr)

		fx2 := newFixture(t, Config{})
		fx2.corr.SetObserver(&recordingObserver{})
		closeCorrelator(t, fx2.corr)
		closeCorrelator(t, fx2.corr)

		// events raised after Close are dropped, not sent on a closed queue
		_, err := fx2.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)
	})
}

func TestWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("returns once resolved", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		go func() {
			time.Sleep(10 * time.Millisecond)
			fx.corr.Resolve(rid, agentID, "hi\n")
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		res, err := fx.corr.Wait(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", res.Output)
	})

	t.Run("returns context error on timeout", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = fx.corr.Wait(ctx, rid)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StatusPending, fx.corr.Poll(rid).Status)
	})

	t.Run("unknown request", func(t *testing.T) {
		fx := newFixture(t, Config{})
		_, err := fx.corr.Wait(context.Background(), "missing-1")
		assert.ErrorIs(t, err, ErrUnknownRequest)
	})

	t.Run("already resolved returns immediately", func(t *testing.T) {
		fx := newFixture(t, Config{})
		f, err := fx.corr.SubmitFuture(context.Background(), agentID, echo())
		require.NoError(t, err)
		fx.corr.Resolve(f.RequestID, agentID, "done")

		res, err := fx.corr.Wait(context.Background(), f.RequestID)
		require.NoError(t, err)
		assert.Equal(t, "done", res.Output)

		got, ok := f.Result()
		require.True(t, ok)
		assert.Equal(t, "done", got.Output)
	})
}

func TestFailOnDisconnect(t *testing.T) {
	t.Run("unbind fails pending requests", func(t *testing.T) {
		fx := newFixture(t, Config{})
		f, err := fx.corr.SubmitFuture(context.Background(), agentID, echo())
		require.NoError(t, err)

		fx.registry.Unbind(agentID, fx.conn)

		snap := fx.corr.Poll(f.RequestID)
		assert.Equal(t, StatusFailed, snap.Status)
		assert.ErrorIs(t, snap.Err, agent.ErrAgentDisconnected)

		_, err = f.Wait(context.Background())
		assert.ErrorIs(t, err, agent.ErrAgentDisconnected)
	})

	t.Run("supersession fails only requests on the old connection", func(t *testing.T) {
		fx := newFixture(t, Config{})
		old, err := fx.corr.SubmitFuture(context.Background(), agentID, echo())
		require.NoError(t, err)

		newStream := newRecordingStream()
		newConn := agent.NewConnection(agent.ConnectionParams{ID: "conn-b", Stream: newStream})
		require.NoError(t, fx.registry.Bind(agentID, newConn))

		fresh, err := fx.corr.SubmitFuture(context.Background(), agentID, echo())
		require.NoError(t, err)

		oldSnap := fx.corr.Poll(old.RequestID)
		assert.Equal(t, StatusFailed, oldSnap.Status)
		assert.ErrorIs(t, oldSnap.Err, agent.ErrAgentDisconnected)
		assert.ErrorIs(t, oldSnap.Err, agent.ErrSuperseded)

		assert.Equal(t, StatusPending, fx.corr.Poll(fresh.RequestID).Status)
		require.Len(t, newStream.commands(), 1)
	})

	t.Run("late result after failure is dropped", func(t *testing.T) {
		fx := newFixture(t, Config{})
		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		require.True(t, fx.registry.Unbind(agentID, fx.conn))
		assert.False(t, fx.corr.Resolve(rid, agentID, "too late"))
		assert.Equal(t, StatusFailed, fx.corr.Poll(rid).Status)
	})
}

func TestSweep(t *testing.T) {
	t.Run("expires old pending requests", func(t *testing.T) {
		fx := newFixture(t, Config{MaxAge: time.Minute})
		base := time.Now()
		fx.corr.now = func() time.Time { return base }

		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)

		expired, _ := fx.corr.Sweep(base.Add(30 * time.Second))
		assert.Zero(t, expired)
		assert.Equal(t, StatusPending, fx.corr.Poll(rid).Status)

		expired, _ = fx.corr.Sweep(base.Add(2 * time.Minute))
		assert.Equal(t, 1, expired)

		snap := fx.corr.Poll(rid)
		assert.Equal(t, StatusFailed, snap.Status)
		assert.ErrorIs(t, snap.Err, ErrRequestExpired)
	})

	t.Run("drops stale retained results", func(t *testing.T) {
		fx := newFixture(t, Config{ResultTTL: time.Minute})
		base := time.Now()
		fx.corr.now = func() time.Time { return base }

		rid, err := fx.corr.Submit(context.Background(), agentID, echo())
		require.NoError(t, err)
		fx.corr.Resolve(rid, agentID, "hi\n")

		_, dropped := fx.corr.Sweep(base.Add(30 * time.Second))
		assert.Zero(t, dropped)
		assert.Equal(t, StatusResolved, fx.corr.Poll(rid).Status)

		_, dropped = fx.corr.Sweep(base.Add(2 * time.Minute))
		assert.Equal(t, 1, dropped)
		assert.Equal(t, StatusUnknown, fx.corr.Poll(rid).Status)
	})

	t.Run("retained results are bounded", func(t *testing.T) {
		fx := newFixture(t, Config{MaxRetained: 2})
		var rids []string
		for i := 0; i < 3; i++ {
			rid, err := fx.corr.Submit(context.Background(), agentID, echo())
			require.NoError(t, err)
			fx.corr.Resolve(rid, agentID, "ok")
			rids = append(rids, rid)
		}

		assert.Equal(t, StatusUnknown, fx.corr.Poll(rids[0]).Status)
		assert.Equal(t, StatusResolved, fx.corr.Poll(rids[2]).Status)
	})
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newFixture(t, Config{MaxAge: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.corr.Run(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestConcurrentSubmitResolve(t *testing.T) {
	fx := newFixture(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rid, err := fx.corr.Submit(context.Background(), agentID, echo())
			if err != nil {
				return
			}
			fx.corr.Resolve(rid, agentID, "ok")
		}()
	}
	wg.Wait()

	assert.Zero(t, fx.corr.Pending())
	assert.Len(t, fx.stream.commands(), 20)
}
