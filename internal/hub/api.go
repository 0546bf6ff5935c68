// ABOUTME: HTTP control surface for operators: agent listing, command submission and polling
// ABOUTME: Also hosts the /ws agent endpoint and the health checks

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tether/internal/agent"
	"github.com/2389/tether/internal/correlator"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/state"
	"github.com/2389/tether/internal/store"
	"github.com/2389/tether/internal/transport"
)

// maxPollWait caps the ?wait= parameter on script_response.
const maxPollWait = 60 * time.Second

// ClientView is an agent record plus its current connection status.
type ClientView struct {
	state.Record
	Connected bool `json:"connected"`
}

// ClientsResponse is the response for GET /api/clients.
type ClientsResponse struct {
	TotalClients   int          `json:"totalClients"`
	ActiveSessions int          `json:"activeSessions"`
	PendingTasks   int          `json:"pendingTasks"`
	Clients        []ClientView `json:"clients"`
	Timestamp      time.Time    `json:"timestamp"`
}

// RunScriptRequest is the body of POST /api/run_script/{id}.
type RunScriptRequest struct {
	Shell  string `json:"shell"`
	Script string `json:"script"`
}

// SubmitResponse acknowledges a command submission.
type SubmitResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ScriptResponse is the response for GET /api/script_response/{requestID}.
type ScriptResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id,omitempty"`
	Result    string `json:"result,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CommandView is one ledger entry as returned by the history endpoint.
type CommandView struct {
	RequestID   string     `json:"request_id"`
	AgentID     string     `json:"client_id"`
	Shell       string     `json:"shell"`
	Script      string     `json:"script"`
	Outcome     string     `json:"outcome"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (h *Hub) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)

	mux.HandleFunc("GET /ws", h.handleWebSocket)

	mux.HandleFunc("GET /api/clients", h.handleListClients)
	mux.HandleFunc("GET /api/clients/{id}", h.handleGetClient)
	mux.HandleFunc("GET /api/clients/{id}/commands", h.handleListCommands)
	mux.HandleFunc("POST /api/run_script/{id}", h.handleRunScript)
	mux.HandleFunc("POST /api/scripts/{name}/{id}", h.handleNamedScript)
	mux.HandleFunc("GET /api/script_response/{requestID}", h.handleScriptResponse)

	return mux
}

// sendJSONError writes a JSON error response.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{"error": message})
}

func (h *Hub) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", "error", err)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	n := h.registry.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// handleWebSocket upgrades an agent connection and runs its frame loop.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Accept(w, r, transport.Options{
		MaxFrameBytes: h.config.Agents.MaxFrameBytes,
	})
	if err != nil {
		// the upgrader has already written an HTTP error
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	h.serveAgent(ws, r.RemoteAddr)
}

// handleListClients handles GET /api/clients.
func (h *Hub) handleListClients(w http.ResponseWriter, r *http.Request) {
	records := h.states.List()
	clients := make([]ClientView, 0, len(records))
	for _, rec := range records {
		clients = append(clients, ClientView{
			Record:    rec,
			Connected: h.registry.IsOnline(rec.ID),
		})
	}

	h.sendJSON(w, http.StatusOK, ClientsResponse{
		TotalClients:   len(records),
		ActiveSessions: h.registry.Count(),
		PendingTasks:   h.correlator.Pending(),
		Clients:        clients,
		Timestamp:      time.Now().UTC(),
	})
}

// handleGetClient handles GET /api/clients/{id}.
func (h *Hub) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	rec, found := h.states.Get(id)
	if !found {
		h.sendJSONError(w, http.StatusNotFound, "client not found")
		return
	}
	h.sendJSON(w, http.StatusOK, ClientView{
		Record:    rec,
		Connected: h.registry.IsOnline(id),
	})
}

// handleListCommands handles GET /api/clients/{id}/commands.
// Returns the ledger history for an agent, optionally limited by ?limit=N.
func (h *Hub) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.sendJSONError(w, http.StatusServiceUnavailable, "command history is disabled")
		return
	}
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	// Parse optional limit parameter (default 50, max 1000)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	records, err := h.ledger.ListCommands(r.Context(), string(id), limit)
	if err != nil {
		h.logger.Error("failed to list commands", "agent_id", id, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]CommandView, 0, len(records))
	for _, rec := range records {
		views = append(views, commandView(rec))
	}
	h.sendJSON(w, http.StatusOK, map[string]any{
		"client_id": id,
		"commands":  views,
	})
}

func commandView(rec *store.CommandRecord) CommandView {
	return CommandView{
		RequestID:   rec.RequestID,
		AgentID:     rec.AgentID,
		Shell:       rec.Shell,
		Script:      rec.Script,
		Outcome:     rec.Outcome,
		Output:      rec.Output,
		Error:       rec.Error,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// handleRunScript handles POST /api/run_script/{id}.
func (h *Hub) handleRunScript(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req RunScriptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Shell == "" || req.Script == "" {
		h.sendJSONError(w, http.StatusBadRequest, "shell and script are required")
		return
	}

	h.submit(w, r, id, correlator.Command{Shell: req.Shell, Script: req.Script})
}

// handleNamedScript handles POST /api/scripts/{name}/{id}. The variant is
// chosen by the operating system the agent last reported.
func (h *Hub) handleNamedScript(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	name := r.PathValue("name")
	script, found := h.scripts[name]
	if !found {
		h.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown script %q", name))
		return
	}

	rec, _ := h.states.Get(id)
	variant, ok := script.Variant(rec.OS)
	if !ok {
		h.sendJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("script %q has no variant for %q", name, rec.OS))
		return
	}

	h.submit(w, r, id, correlator.Command{Shell: variant.Shell, Script: variant.Script})
}

func (h *Hub) submit(w http.ResponseWriter, r *http.Request, id identity.Identity, cmd correlator.Command) {
	rid, err := h.correlator.Submit(r.Context(), id, cmd)
	switch {
	case err == nil:
		h.sendJSON(w, http.StatusAccepted, SubmitResponse{
			Status:    string(correlator.StatusPending),
			RequestID: rid,
			ClientID:  string(id),
		})
	case errors.Is(err, agent.ErrAgentNotConnected):
		h.sendJSON(w, http.StatusNotFound, SubmitResponse{
			Status:   "not-connected",
			ClientID: string(id),
			Message:  "client is not connected",
		})
	case errors.Is(err, agent.ErrTransportFailure):
		h.sendJSON(w, http.StatusBadGateway, SubmitResponse{
			Status:   "error",
			ClientID: string(id),
			Message:  err.Error(),
		})
	default:
		h.logger.Error("failed to submit command", "agent_id", id, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleScriptResponse handles GET /api/script_response/{requestID}.
// With ?wait=<duration> a pending request is held open until it completes
// or the wait elapses.
func (h *Hub) handleScriptResponse(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("requestID")

	var wait time.Duration
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		d, err := time.ParseDuration(waitStr)
		if err != nil || d < 0 {
			h.sendJSONError(w, http.StatusBadRequest, "wait must be a non-negative duration")
			return
		}
		wait = min(d, maxPollWait)
	}

	snap := h.correlator.Poll(rid)
	if snap.Status == correlator.StatusPending && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		_, _ = h.correlator.Wait(ctx, rid)
		cancel()
		snap = h.correlator.Poll(rid)
	}
	if snap.Status == correlator.StatusUnknown {
		snap = h.ledgerSnapshot(r.Context(), rid)
	}

	resp := ScriptResponse{
		Status:    string(snap.Status),
		RequestID: rid,
		ClientID:  string(snap.AgentID),
	}
	status := http.StatusOK
	switch snap.Status {
	case correlator.StatusResolved:
		resp.Result = snap.Output
	case correlator.StatusFailed:
		resp.Message = snap.Err.Error()
	case correlator.StatusPending:
		resp.Message = "waiting for client response"
	default:
		resp.Message = "unknown or expired request id"
		status = http.StatusNotFound
	}
	h.sendJSON(w, status, resp)
}

// ledgerSnapshot recovers a finished request the correlator no longer
// retains. Rows still pending in the ledger stay unknown.
func (h *Hub) ledgerSnapshot(ctx context.Context, rid string) correlator.Snapshot {
	unknown := correlator.Snapshot{Status: correlator.StatusUnknown, RequestID: rid}
	if h.ledger == nil {
		return unknown
	}
	rec, err := h.ledger.GetCommand(ctx, rid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("failed to read command from ledger", "request_id", rid, "error", err)
		}
		return unknown
	}

	snap := correlator.Snapshot{
		RequestID: rid,
		AgentID:   identity.Identity(rec.AgentID),
		Output:    rec.Output,
		IssuedAt:  rec.SubmittedAt,
	}
	switch rec.Outcome {
	case store.OutcomeResolved:
		snap.Status = correlator.StatusResolved
	case store.OutcomeFailed:
		snap.Status = correlator.StatusFailed
		snap.Err = errors.New(rec.Error)
	default:
		return unknown
	}
	return snap
}

// pathIdentity parses the {id} path value, writing a 400 when malformed.
func (h *Hub) pathIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, err := identity.Parse(r.PathValue("id"))
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "Invalid client ID format")
		return "", false
	}
	return id, true
}
