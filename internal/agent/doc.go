// Package agent tracks live connections to tether agents.
//
// # Connection
//
// Connection wraps one agent transport (a Stream) and moves through three
// states:
//
//	handshaking -> bound -> closed
//
// A connection is handshaking until its first state-update names an
// identity. Writes are serialized per connection, and every inbound frame
// refreshes the connection's last-activity time.
//
// # Registry
//
// The Registry maps each identity to at most one connection:
//
//	reg := agent.NewRegistry(states, logger)
//	reg.OnRelease(correlator.FailConnection)
//
// Key operations:
//
//   - Bind(id, conn): Install conn, closing any previous handle for id
//   - Lookup(id): Get the current handle; absence means not connected
//   - Unbind(id, conn): Remove conn only if it is still current
//
// Unbind compares handles, so a reader loop that exits after its agent has
// already reconnected cannot remove the newer connection or mark the agent
// offline.
//
// # Liveness
//
// The Monitor sweeps bound connections on an interval. A connection silent
// for ProbeAfter is sent a ping; one whose ping goes unanswered for
// EvictAfter is closed, and its reader loop then unbinds it.
//
// # Thread Safety
//
// Registry and Connection are safe for concurrent use. Release hooks run
// outside the registry lock.
package agent
