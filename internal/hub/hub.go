// ABOUTME: Hub orchestrator that wires the registry, correlator, monitor and HTTP surface
// ABOUTME: Owns the listener (TCP or tailnet), the command ledger, and graceful shutdown

package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tether/internal/agent"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/correlator"
	"github.com/2389/tether/internal/state"
	"github.com/2389/tether/internal/store"
	"github.com/2389/tether/internal/transport"
)

// Hub accepts agent connections and serves the control API.
type Hub struct {
	config     *config.Config
	states     *state.Store
	registry   *agent.Registry
	correlator *correlator.Correlator
	monitor    *agent.Monitor
	mux        *Multiplexer
	ledger     store.Ledger // nil when database.path is empty
	scripts    map[string]config.ScriptConfig

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseCtx outlives individual requests; connection loops run under it
	// because hijacked websocket connections are not tracked by http.Server.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	connMu       sync.Mutex
	shuttingDown bool
	connWG       sync.WaitGroup
}

// New creates a Hub from cfg. The ledger is opened when cfg.Database.Path is set.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	states := state.NewStore(logger.With("component", "state"))
	registry := agent.NewRegistry(states, logger.With("component", "registry"))

	corr, err := correlator.New(registry, correlator.Config{
		MaxAge:      cfg.Requests.MaxAge,
		ResultTTL:   cfg.Requests.ResultTTL,
		MaxRetained: cfg.Requests.MaxRetained,
	}, logger.With("component", "correlator"))
	if err != nil {
		return nil, err
	}
	registry.OnRelease(corr.FailConnection)

	var ledger store.Ledger
	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening command ledger: %w", err)
		}
		ledger = s
		corr.SetObserver(newLedgerObserver(s, logger.With("component", "ledger")))
	}

	scripts := cfg.Scripts
	if scripts == nil {
		scripts = config.BuiltinScripts()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:     cfg,
		states:     states,
		registry:   registry,
		correlator: corr,
		monitor: agent.NewMonitor(registry, agent.MonitorConfig{
			ProbeAfter: cfg.Agents.ProbeAfter,
			EvictAfter: cfg.Agents.EvictAfter,
			Interval:   cfg.Agents.MonitorInterval,
		}, logger.With("component", "monitor")),
		mux: NewMultiplexer(registry, states, corr, MultiplexerConfig{
			IdleTimeout:      cfg.Agents.IdleTimeout,
			HandshakeTimeout: cfg.Agents.HandshakeTimeout,
		}, logger.With("component", "multiplexer")),
		ledger:     ledger,
		scripts:    scripts,
		logger:     logger.With("component", "hub"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is cancelled.
// Returns nil on graceful shutdown, or the first component error.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := h.setupListener(ctx)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve runs the hub on ln until ctx is cancelled, then shuts down.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return h.monitor.Run(gctx)
	})
	g.Go(func() error {
		return h.correlator.Run(gctx, h.config.Requests.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("context canceled, initiating shutdown")
		return h.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown runs Shutdown on a fresh context since the caller's is done.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (h *Hub) setupListener(ctx context.Context) (net.Listener, error) {
	if h.config.Tailscale.Enabled {
		if h.config.Server.HTTPAddr != "" {
			h.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", h.config.Server.HTTPAddr,
			)
		}
		return h.setupTailscaleListener(ctx)
	}

	h.logger.Info("starting hub", "http_addr", h.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with
// tailnet certificates when https is enabled.
func (h *Hub) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := h.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	h.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	h.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := h.tsnetServer.Up(ctx)
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	h.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := h.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = h.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	h.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := h.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := h.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = h.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (h *Hub) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		h.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	h.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// serveAgent runs one agent connection to completion. It refuses new
// connections once shutdown has begun.
func (h *Hub) serveAgent(ws *transport.WebSocket, remoteAddr string) {
	conn := agent.NewConnection(agent.ConnectionParams{
		RemoteAddr: remoteAddr,
		Stream:     ws,
		Logger:     h.logger,
	})

	h.connMu.Lock()
	if h.shuttingDown {
		h.connMu.Unlock()
		_ = conn.Close()
		return
	}
	h.connWG.Add(1)
	h.connMu.Unlock()
	defer h.connWG.Done()

	h.logger.Debug("agent connection accepted", "conn_id", conn.ID, "remote_addr", remoteAddr)
	if err := h.mux.Serve(h.baseCtx, conn); err != nil {
		h.logger.Info("agent connection ended",
			"conn_id", conn.ID,
			"agent_id", conn.Identity(),
			"error", err,
		)
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes every agent connection, waits
// for their loops to exit, flushes queued ledger writes, and releases the
// ledger and tailnet node.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

	h.connMu.Lock()
	h.shuttingDown = true
	h.connMu.Unlock()
	h.cancelBase()
	h.registry.CloseAll()

	loopsDone := make(chan struct{})
	go func() {
		h.connWG.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for agent connections: %w", ctx.Err()))
	}

	// Connection loops have failed their pending commands by now; flush
	// those events before the ledger goes away.
	errs = appendCloseError(errs, "command events", h.correlator.Close(ctx))

	if h.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", h.tsnetServer.Close())
	}
	if h.ledger != nil {
		errs = appendCloseError(errs, "ledger close", h.ledger.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
