// Package hub runs the tether-hub server.
//
// # Overview
//
// The Hub owns every server-side component: the agent state store, the
// connection registry, the request correlator, the liveness monitor, the
// per-connection multiplexer, the optional command ledger and the HTTP
// server. New wires them together; Run starts them under one errgroup and
// tears them down when the context ends.
//
//	registry.OnRelease(correlator.FailConnection)
//
// is the only coupling between the connection side and the request side:
// when a connection is unbound or superseded, the requests it carried fail
// with agent.ErrAgentDisconnected.
//
// # Agent Connections
//
// Agents dial GET /ws. Each accepted websocket becomes an agent.Connection
// handled by Multiplexer.Serve on its own goroutine:
//
//   - state-update binds the connection on first sight and updates the record
//   - ping is answered with pong; pong only refreshes liveness
//   - command-result is handed to the correlator
//   - anything else is logged and ignored
//
// A connection that stays quiet for agents.idle_timeout is pinged. One that
// never sends a state-update within agents.handshake_timeout is closed.
//
// # HTTP API
//
//   - GET /api/clients - all known agents with connection status
//   - GET /api/clients/{id} - one agent
//   - GET /api/clients/{id}/commands - ledger history
//   - POST /api/run_script/{id} - send {shell, script}
//   - POST /api/scripts/{name}/{id} - send a configured script
//   - GET /api/script_response/{requestID} - poll, optionally with ?wait=
//   - GET /health - liveness check
//   - GET /health/ready - 200 once any agent is connected
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on the tailnet through
// tsnet when tailscale.enabled is set (port 80, or 443 with tailnet
// certificates when tailscale.https is set).
//
// # Shutdown
//
// Shutdown stops the HTTP server, cancels every connection loop, waits for
// them to unbind, then closes the tailnet node and the ledger.
package hub
