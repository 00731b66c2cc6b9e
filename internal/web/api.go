package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivebase/hive/internal/schedule"
	"github.com/hivebase/hive/internal/store"
	"github.com/hivebase/hive/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/start", s.startSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/resume", s.resumeSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/cancel", s.cancelSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/wait", s.waitSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/merge", s.mergeSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/graph", s.getSwarmGraph)

	// Agents
	mux.HandleFunc("GET /api/swarms/{id}/agents", s.listAgents)
	mux.HandleFunc("GET /api/swarms/{id}/agents/{name}", s.getAgent)

	// Scratchpad
	mux.HandleFunc("GET /api/swarms/{id}/scratchpad", s.listScratchpad)
	mux.HandleFunc("GET /api/swarms/{id}/scratchpad/{key}", s.getScratchpad)
	mux.HandleFunc("PUT /api/swarms/{id}/scratchpad/{key}", s.setScratchpad)
	mux.HandleFunc("DELETE /api/swarms/{id}/scratchpad/{key}", s.deleteScratchpad)

	// Transcripts
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.getTranscript)

	// Task queue for autonomous agents
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.enqueueTask)

	// Recurring task schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/pause", s.pauseSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/resume", s.resumeSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := s.store.ListSwarms()
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, swarms)
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var req swarm.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sw, err := s.orch.Create(r.Context(), req)
	if err != nil {
		if sw != nil {
			// Created but auto-start failed: surface both.
			jsonError(w, fmt.Sprintf("swarm %s created but not started: %v", sw.ID, err), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	jsonCreated(w, sw)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sw, err := s.store.GetSwarm(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	if sw == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	agents, err := s.store.ListAgents(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}

	jsonResponse(w, map[string]any{
		"swarm":  sw,
		"agents": agents,
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgentByName(r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	if agent == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, agent)
}

func (s *Server) startSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Start(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "started"})
}

func (s *Server) resumeSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IncludeCancelled bool `json:"include_cancelled"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := s.orch.Resume(r.Context(), r.PathValue("id"), body.IncludeCancelled); err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "resumed"})
}

func (s *Server) cancelSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelled"})
}

func (s *Server) waitSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TimeoutSeconds int      `json:"timeout_seconds"`
		Agents         []string `json:"agents"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	sw, agents, err := s.orch.Wait(r.Context(), r.PathValue("id"), timeout, body.Agents)
	if err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, map[string]any{
		"swarm":  sw,
		"agents": agents,
	})
}

func (s *Server) mergeSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FFPolicy string `json:"ff_policy"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	results, err := s.orch.Merge(r.Context(), r.PathValue("id"), body.FFPolicy)
	if err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, results)
}

// getSwarmGraph exports the dependency DAG as nodes and edges, with
// the critical path, or as Graphviz DOT with ?format=dot.
func (s *Server) getSwarmGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sw, err := s.store.GetSwarm(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	if sw == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	agents, err := s.store.ListAgents(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}

	if r.URL.Query().Get("format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		fmt.Fprint(w, renderDOT(sw, agents))
		return
	}

	type node struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Mode   string `json:"mode"`
		Status string `json:"status"`
	}
	type edge struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Include   string `json:"include,omitempty"`
		Condition string `json:"condition,omitempty"`
	}

	nodes := make([]node, 0, len(agents))
	var edges []edge
	specs := make([]swarm.AgentSpec, 0, len(agents))
	for _, a := range agents {
		nodes = append(nodes, node{ID: a.ID, Name: a.Name, Mode: a.Mode, Status: a.Status})

		spec := swarm.AgentSpec{Name: a.Name}
		for _, d := range a.Dependencies {
			edges = append(edges, edge{
				From:      d.AgentName,
				To:        a.Name,
				Include:   d.Include,
				Condition: d.Condition,
			})
			spec.DependsOn = append(spec.DependsOn, swarm.DependencySpec{Agent: d.AgentName})
		}
		specs = append(specs, spec)
	}

	jsonResponse(w, map[string]any{
		"nodes":         nodes,
		"edges":         edges,
		"critical_path": swarm.CriticalPath(specs),
	})
}

func renderDOT(sw *store.Swarm, agents []store.SwarmAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", sw.Name)
	b.WriteString("  rankdir=LR;\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "  %q [label=%q];\n", a.Name, fmt.Sprintf("%s\n%s", a.Name, a.Status))
	}
	for _, a := range agents {
		for _, d := range a.Dependencies {
			if d.Condition != "" {
				fmt.Fprintf(&b, "  %q -> %q [label=%q, style=dashed];\n", d.AgentName, a.Name, d.Condition)
			} else {
				fmt.Fprintf(&b, "  %q -> %q;\n", d.AgentName, a.Name)
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (s *Server) listScratchpad(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListScratchpad(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, entries)
}

func (s *Server) getScratchpad(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetScratchpad(r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, entry)
}

func (s *Server) setScratchpad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value  json.RawMessage `json:"value"`
		Author string          `json:"author"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.store.SetScratchpad(r.PathValue("id"), r.PathValue("key"), string(body.Value), body.Author)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) deleteScratchpad(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScratchpad(r.PathValue("id"), r.PathValue("key")); err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}

	blocks, err := s.store.GetTranscript(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, map[string]any{
		"session": sess,
		"blocks":  blocks,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, tasks)
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var task store.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if task.Description == "" {
		jsonError(w, "description is required", http.StatusBadRequest)
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if err := s.store.EnqueueTask(&task); err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonCreated(w, task)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListTaskSchedules()
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}

	type entry struct {
		store.TaskSchedule
		Display string `json:"display"`
	}
	out := make([]entry, 0, len(schedules))
	for _, ts := range schedules {
		out = append(out, entry{TaskSchedule: ts, Display: schedule.Describe(ts.Schedule)})
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var ts store.TaskSchedule
	if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if ts.Name == "" || ts.Description == "" {
		jsonError(w, "name and description are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(ts.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ts.Schedule = normalized

	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	ts.NextRunAt = schedule.NextRun(ts.Schedule, time.Now())
	if ts.NextRunAt == nil {
		jsonError(w, "schedule has no future run", http.StatusBadRequest)
		return
	}

	if err := s.store.CreateTaskSchedule(&ts); err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonCreated(w, ts)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UpdateScheduleStatus(r.PathValue("id"), store.SchedulePaused); err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "paused"})
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ts, err := s.store.GetTaskSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	if ts == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	// Re-anchor the next run so a long pause does not fire immediately
	// for every missed tick.
	next := schedule.NextRun(ts.Schedule, time.Now())
	if next == nil {
		jsonError(w, "schedule has no future run", http.StatusConflict)
		return
	}
	if err := s.store.UpdateScheduleRun(id, ts.LastStatus, ts.LastError, next); err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	if err := s.store.UpdateScheduleStatus(id, store.ScheduleActive); err != nil {
		jsonError(w, err.Error(), statusForError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "active"})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTaskSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), statusForStoreError(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// statusForError maps expected orchestration failures to HTTP codes:
// missing rows to 404, timeouts and infrastructure outages to 503,
// everything else to 409.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, swarm.ErrTimeout), isUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

// statusForStoreError maps unexpected failures: detectable
// infrastructure outages to 503, everything else to 500.
func statusForStoreError(err error) int {
	if isUnavailable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// isUnavailable recognizes infrastructure outages by message since the
// underlying drivers do not expose typed errors for them.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "timed out", "no such host", "database is locked"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonCreated writes a 201 response. Headers must be set before the
// status line goes out.
func jsonCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
