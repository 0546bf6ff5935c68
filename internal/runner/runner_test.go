// ABOUTME: Tests for the agent runtime against a real hub and scripted websocket servers.
// ABOUTME: Covers reporting, command execution, keepalive replies and reconnect backoff.

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/tether/internal/collect"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/hub"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/transport"
)

const testID identity.Identity = "321-654-987"

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *fakeExecutor) Execute(ctx context.Context, shell, script string) string {
	e.mu.Lock()
	e.calls = append(e.calls, shell+":"+script)
	e.mu.Unlock()
	return "ran " + script
}

type fakeCollector struct{}

func (fakeCollector) Collect(ctx context.Context) (*collect.Snapshot, error) {
	return &collect.Snapshot{Hostname: "test-host", KernelVersion: "1.0", CPUCount: 4}, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func startRunner(t *testing.T, cfg Config, exec *fakeExecutor) (context.CancelFunc, <-chan error) {
	t.Helper()
	r, err := New(cfg, fakeCollector{}, exec, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func stopRunner(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerAgainstHub(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, err := hub.New(config.Default(), slog.Default())
	require.NoError(t, err)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.Shutdown(ctx))
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	// safe to call from Eventually's goroutine: failures surface as status -1
	getJSON := func(path string, out any) int {
		resp, err := client.Get(srv.URL + path)
		if err != nil {
			return -1
		}
		defer resp.Body.Close()
		if out != nil && json.NewDecoder(resp.Body).Decode(out) != nil {
			return -1
		}
		return resp.StatusCode
	}

	exec := &fakeExecutor{}
	cancel, done := startRunner(t, Config{HubURL: wsURL(srv), ID: testID, Name: "web-01"}, exec)
	defer stopRunner(t, cancel, done)

	var client0 hub.ClientView
	require.Eventually(t, func() bool {
		return getJSON("/api/clients/"+string(testID), &client0) == http.StatusOK && client0.Connected
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "web-01", client0.Name)
	assert.Equal(t, protocol.StatusOnline, client0.Status)
	assert.Contains(t, client0.OS, "1.0")
	assert.Contains(t, string(client0.Payload), `"hostname":"test-host"`)

	body, _ := json.Marshal(hub.RunScriptRequest{Shell: "bash", Script: "echo hi"})
	resp, err := client.Post(srv.URL+"/api/run_script/"+string(testID), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var submit hub.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submit))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result hub.ScriptResponse
	getJSON("/api/script_response/"+submit.RequestID+"?wait=5s", &result)
	assert.Equal(t, "resolved", result.Status)
	assert.Equal(t, "ran echo hi", result.Result)
	assert.Equal(t, string(testID), result.ClientID)
}

// scriptedHub accepts agent websockets and hands each one to handle.
func scriptedHub(t *testing.T, handle func(ws *transport.WebSocket)) *httptest.Server {
	t.Helper()
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.Accept(w, r, transport.Options{})
		if err != nil {
			return
		}
		wg.Add(1)
		defer wg.Done()
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(func() {
		srv.Close()
		wg.Wait()
	})
	return srv
}

func TestRunnerAnswersPingAndRunsCommands(t *testing.T) {
	frames := make(chan *protocol.Frame, 32)
	srv := scriptedHub(t, func(ws *transport.WebSocket) {
		go func() {
			_ = ws.Send(protocol.Ping())
			_ = ws.Send(protocol.Command("bash", "one", "r-1"))
			_ = ws.Send(protocol.Command("bash", "two", "r-2"))
		}()
		for {
			f, err := ws.Recv()
			if err != nil {
				return
			}
			select {
			case frames <- f:
			default:
			}
		}
	})

	exec := &fakeExecutor{}
	cancel, done := startRunner(t, Config{HubURL: wsURL(srv), ID: testID}, exec)
	defer stopRunner(t, cancel, done)

	var gotPong bool
	results := map[string]string{}
	timeout := time.After(5 * time.Second)
	for !gotPong || len(results) < 2 {
		select {
		case f := <-frames:
			switch f.Type {
			case protocol.TypeStateUpdate:
				assert.Equal(t, string(testID), f.ID)
				assert.Equal(t, "agent-"+string(testID), f.Name)
			case protocol.TypePong:
				gotPong = true
			case protocol.TypeCommandResult:
				assert.Equal(t, string(testID), f.ID)
				results[f.RequestID] = f.Result
			}
		case <-timeout:
			t.Fatalf("timed out: pong=%v results=%v", gotPong, results)
		}
	}
	assert.Equal(t, map[string]string{"r-1": "ran one", "r-2": "ran two"}, results)
}

func TestRunnerReportsFirstThenPeriodically(t *testing.T) {
	updates := make(chan *protocol.Frame, 32)
	srv := scriptedHub(t, func(ws *transport.WebSocket) {
		for {
			f, err := ws.Recv()
			if err != nil {
				return
			}
			if f.Type == protocol.TypeStateUpdate {
				select {
				case updates <- f:
				default:
				}
			}
		}
	})

	cancel, done := startRunner(t, Config{
		HubURL:    wsURL(srv),
		ID:        testID,
		ReportMin: 10 * time.Millisecond,
		ReportMax: 20 * time.Millisecond,
	}, &fakeExecutor{})
	defer stopRunner(t, cancel, done)

	for i := 0; i < 3; i++ {
		select {
		case f := <-updates:
			assert.Equal(t, protocol.StatusOnline, f.Status)
			assert.NotEmpty(t, f.LastActive)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d state updates arrived", i)
		}
	}
}

func TestRunnerReconnects(t *testing.T) {
	var sessions atomic.Int32
	srv := scriptedHub(t, func(ws *transport.WebSocket) {
		// read the opening report, then drop the agent
		_, _ = ws.Recv()
		sessions.Add(1)
	})

	cancel, done := startRunner(t, Config{
		HubURL:         wsURL(srv),
		ID:             testID,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, &fakeExecutor{})
	defer stopRunner(t, cancel, done)

	require.Eventually(t, func() bool { return sessions.Load() >= 3 },
		5*time.Second, 10*time.Millisecond)
}

func TestRunnerStopsWhileHubIsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	cancel, done := startRunner(t, Config{
		HubURL:         "ws://127.0.0.1:1/ws",
		ID:             testID,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	}, &fakeExecutor{})

	time.Sleep(50 * time.Millisecond)
	stopRunner(t, cancel, done)
}

func TestBackoff(t *testing.T) {
	r, err := New(Config{
		HubURL:         "ws://hub/ws",
		ID:             testID,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}, nil, &fakeExecutor{}, nil)
	require.NoError(t, err)

	t.Run("doubles up to the cap without jitter", func(t *testing.T) {
		r.cfg.Jitter = 0
		want := []time.Duration{1, 2, 4, 8, 10, 10}
		for i, w := range want {
			assert.Equal(t, w*time.Second, r.backoff(i), "attempt %d", i)
		}
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		r.cfg.Jitter = 0.2
		for i := 0; i < 200; i++ {
			d := r.backoff(2)
			assert.GreaterOrEqual(t, d, time.Duration(float64(4*time.Second)*0.8))
			assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))
		}
	})
}

func TestDisconnectLevel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want slog.Level
	}{
		{"hub closed normally", &websocket.CloseError{Code: websocket.CloseNormalClosure}, slog.LevelInfo},
		{"hub going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, slog.LevelInfo},
		{"stream closed locally", transport.ErrClosed, slog.LevelInfo},
		{"abnormal close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, slog.LevelWarn},
		{"dial failure", errors.New("connection refused"), slog.LevelWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, disconnectLevel(tt.err))
		})
	}
}

func TestReportDelayWithinRange(t *testing.T) {
	r, err := New(Config{
		HubURL:    "ws://hub/ws",
		ID:        testID,
		ReportMin: 5 * time.Second,
		ReportMax: 10 * time.Second,
	}, nil, &fakeExecutor{}, nil)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		d := r.randomReportDelay()
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ID: testID}, nil, &fakeExecutor{}, nil)
	assert.Error(t, err, "hub url required")

	_, err = New(Config{HubURL: "ws://hub/ws", ID: "temp-123"}, nil, &fakeExecutor{}, nil)
	assert.ErrorIs(t, err, identity.ErrInvalidFormat)
}
