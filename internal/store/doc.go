// Package store persists the hub's command ledger using SQLite.
//
// The ledger is an audit trail: every command submitted to an agent is
// recorded with its shell and script, and updated once when it resolves or
// fails. In-flight request state lives in the correlator and is never
// restored from the ledger after a restart.
//
// # Schema
//
//	commands(request_id PK, agent_id, shell, script, outcome,
//	         output, error, submitted_at, completed_at)
//
// outcome is one of pending, resolved, failed. Timestamps are RFC 3339
// strings in UTC.
//
// # Usage
//
//	s, err := store.NewSQLiteStore(path)
//	defer s.Close()
//	s.RecordCommand(ctx, &store.CommandRecord{...})
//	s.CompleteCommand(ctx, requestID, store.OutcomeResolved, output, "", time.Now())
package store
