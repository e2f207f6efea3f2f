package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/akyriacou/synod/internal/schedule"
	"github.com/akyriacou/synod/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms and agents
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/agents", s.addAgent)
	mux.HandleFunc("POST /api/swarms/{id}/populate", s.populateSwarm)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/templates", s.listTemplates)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)

	// Recurring submissions
	mux.HandleFunc("GET /api/recurring", s.listRecurring)
	mux.HandleFunc("POST /api/recurring", s.createRecurring)
	mux.HandleFunc("DELETE /api/recurring/{id}", s.deleteRecurring)

	// Consensus and locks
	mux.HandleFunc("GET /api/decisions", s.listDecisions)
	mux.HandleFunc("GET /api/locks", s.listLocks)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version":    s.version,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"node_id":    s.node.ID(),
		"view":       s.node.View(),
		"phase":      s.node.CurrentPhase(),
		"is_primary": s.node.IsPrimary(),
		"primary_id": s.node.PrimaryID(),
		"quorum":     s.node.QuorumSize(),
		"swarms":     len(s.coord.ListSwarms()),
		"agents":     len(s.coord.ListAgents()),
		"tasks":      len(s.coord.ListTasks()),
	})
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.ListSwarms())
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var cfg swarm.SwarmConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	sw, err := s.coord.CreateSwarm(cfg)
	if err != nil {
		if errors.Is(err, swarm.ErrCapacityExceeded) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, sw := range s.coord.ListSwarms() {
		if sw.ID == id {
			jsonResponse(w, map[string]any{
				"swarm":       sw,
				"queue_depth": s.coord.QueueDepth(id),
			})
			return
		}
	}
	jsonError(w, "swarm not found", http.StatusNotFound)
}

func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var spec swarm.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agent, err := s.coord.AddAgentToSwarm(id, spec)
	if err != nil {
		if errors.Is(err, swarm.ErrNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, agent)
}

func (s *Server) populateSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agents, err := s.registry.Populate(s.coord, id)
	if err != nil {
		if errors.Is(err, swarm.ErrNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, agents)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.ListAgents())
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.registry.Names())
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.coord.ListTasks()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	jsonResponse(w, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var spec swarm.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if spec.Name == "" || spec.SwarmID == "" {
		jsonError(w, "name and swarm_id are required", http.StatusBadRequest)
		return
	}

	task, err := s.coord.SubmitTask(spec)
	if err != nil {
		if errors.Is(err, swarm.ErrNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.coord.GetTask(id)
	if err != nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListRecurring()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(specs))
	for _, rec := range specs {
		out = append(out, map[string]any{
			"id":          rec.ID,
			"name":        rec.Name,
			"schedule":    schedule.Describe(rec.Schedule),
			"spec":        rec.Spec,
			"status":      rec.Status,
			"next_run_at": rec.NextRunAt,
			"last_run_at": rec.LastRunAt,
			"last_status": rec.LastStatus,
			"last_error":  rec.LastError,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string         `json:"name"`
		Schedule string         `json:"schedule"`
		Spec     swarm.TaskSpec `json:"spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" {
		jsonError(w, "name and schedule are required", http.StatusBadRequest)
		return
	}

	rec, err := s.sched.AddRecurring(body.Name, body.Schedule, body.Spec)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) deleteRecurring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRecurring(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	decisions, err := s.store.ListDecisions(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, decisions)
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Locks())
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
