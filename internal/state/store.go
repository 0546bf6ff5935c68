// ABOUTME: In-memory store of the latest known snapshot for each agent identity.
// ABOUTME: Records survive disconnects; they are updated, never deleted.

package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/protocol"
)

// Record is the latest known snapshot of an agent.
type Record struct {
	ID         identity.Identity `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	LastActive string            `json:"lastActive"`
	OS         string            `json:"os"`
	Payload    json.RawMessage   `json:"payload"`
	FirstSeen  time.Time         `json:"firstSeen"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Online reports whether the record's liveness is online.
func (r Record) Online() bool {
	return r.Status == protocol.StatusOnline
}

// Store holds one Record per identity, listed in first-seen order.
type Store struct {
	mu      sync.RWMutex
	records map[identity.Identity]*Record
	order   []identity.Identity
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore creates an empty Store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[identity.Identity]*Record),
		now:     time.Now,
		logger:  logger,
	}
}

// Upsert replaces the snapshot for rec.ID, keeping its first-seen time.
// An empty payload keeps the previously reported payload.
func (s *Store) Upsert(rec Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec.UpdatedAt = now
	if rec.Status != protocol.StatusOffline {
		rec.Status = protocol.StatusOnline
	}

	existing, ok := s.records[rec.ID]
	if !ok {
		rec.FirstSeen = now
		if len(rec.Payload) == 0 {
			rec.Payload = json.RawMessage(`{}`)
		}
		s.records[rec.ID] = &rec
		s.order = append(s.order, rec.ID)
		s.logger.Debug("agent record created", "agent_id", rec.ID)
		return rec
	}

	rec.FirstSeen = existing.FirstSeen
	if len(rec.Payload) == 0 {
		rec.Payload = existing.Payload
	}
	*existing = rec
	return rec
}

// MarkOffline flips the liveness of id to offline. It reports whether a
// record existed.
func (s *Store) MarkOffline(id identity.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.Status = protocol.StatusOffline
	rec.UpdatedAt = s.now()
	return true
}

// Get returns a copy of the record for id.
func (s *Store) Get(id identity.Identity) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records in first-seen order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Len returns the number of known agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
