// ABOUTME: Periodic liveness sweep over bound connections.
// ABOUTME: Probes connections that have gone quiet and evicts those that never answer.

package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/tether/internal/protocol"
)

// MonitorConfig holds liveness thresholds.
type MonitorConfig struct {
	// ProbeAfter is how long a connection may stay silent before it is probed.
	ProbeAfter time.Duration
	// EvictAfter is how long a probe may go unanswered before eviction.
	EvictAfter time.Duration
	// Interval is the sweep period.
	Interval time.Duration
}

// Monitor evicts half-open connections from the Registry.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig
	logger   *slog.Logger
}

// NewMonitor creates a Monitor over registry.
func NewMonitor(registry *Registry, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check runs one sweep at now and reports how many connections were probed
// and evicted. Eviction closes the connection; the connection's own loop
// performs the unbind.
func (m *Monitor) Check(now time.Time) (probed, evicted int) {
	for _, conn := range m.registry.Connections() {
		if sentAt, ok := conn.ProbedAt(); ok {
			if now.Sub(sentAt) >= m.cfg.EvictAfter {
				m.logger.Warn("evicting unresponsive agent",
					"agent_id", conn.Identity(),
					"conn_id", conn.ID,
					"last_frame", conn.LastFrame(),
				)
				_ = conn.Close()
				evicted++
			}
			continue
		}

		if now.Sub(conn.LastFrame()) < m.cfg.ProbeAfter {
			continue
		}

		// Marked first so a pong that beats Send's return still clears it.
		conn.MarkProbed(now)
		if err := conn.Send(protocol.Ping()); err != nil {
			conn.clearProbe(now)
			m.logger.Warn("liveness probe failed, evicting",
				"agent_id", conn.Identity(),
				"conn_id", conn.ID,
				"error", err,
			)
			_ = conn.Close()
			evicted++
			continue
		}
		probed++
		m.logger.Debug("liveness probe sent", "agent_id", conn.Identity(), "conn_id", conn.ID)
	}
	return probed, evicted
}
