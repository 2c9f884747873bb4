package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/veridian/complymesh/internal/consensus"
	"github.com/veridian/complymesh/internal/event"
	"github.com/veridian/complymesh/internal/faults"
	"github.com/veridian/complymesh/internal/mediator"
	"github.com/veridian/complymesh/internal/orchestrator"
	"github.com/veridian/complymesh/internal/scheduler"
	"go.uber.org/zap"
)

// waitTimeout caps how long a synchronous task submission blocks for its
// result before falling back to the async response.
const waitTimeout = 10 * time.Second

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.systemStatus)

		r.Get("/agents", h.listAgents)
		r.Post("/agents/{type}/enabled", h.setAgentEnabled)

		r.Post("/tasks", h.submitTask)

		r.Post("/events", h.publishEvent)
		r.Get("/events/deadletter", h.deadLetters)

		r.Post("/consensus", h.startDecision)
		r.Post("/consensus/{id}/opinions", h.submitOpinion)
		r.Get("/consensus/{id}", h.decisionState)
		r.Get("/consensus/{id}/result", h.decisionResult)

		r.Post("/conversations", h.facilitateConversation)
		r.Post("/conflicts/resolve", h.resolveConflicts)
	})

	r.Get("/metrics", h.orch.Metrics().Handler())

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "complymesh"})
}

func (h *Handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	st := h.orch.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Agents())
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) setAgentEnabled(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "type")
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.orch.SetAgentEnabled(agentType, req.Enabled) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"type": agentType, "enabled": req.Enabled})
}

type taskRequest struct {
	Category   string                 `json:"category"`
	Source     string                 `json:"source"`
	Payload    map[string]interface{} `json:"payload"`
	TargetType string                 `json:"target_type,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
	DeadlineMS int64                  `json:"deadline_ms,omitempty"`
	Wait       bool                   `json:"wait,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Category == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category is required"})
		return
	}

	ev := event.New(event.Category(req.Category), req.Source, req.Payload)
	if req.Priority != 0 {
		ev = ev.WithPriority(event.Priority(req.Priority))
	}

	t := &scheduler.Task{
		TargetType: req.TargetType,
		Event:      ev,
		Priority:   ev.Priority,
	}
	if req.DeadlineMS > 0 {
		t.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	var resultCh chan scheduler.TaskResult
	if req.Wait {
		resultCh = make(chan scheduler.TaskResult, 1)
		t.Callback = func(res scheduler.TaskResult) { resultCh <- res }
	}

	if !h.orch.SubmitTask(t) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "task not accepted"})
		return
	}

	if resultCh != nil {
		select {
		case res := <-resultCh:
			writeJSON(w, http.StatusOK, res)
			return
		case <-time.After(waitTimeout):
		case <-r.Context().Done():
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID, "status": "queued"})
}

type eventRequest struct {
	Category string                 `json:"category"`
	Source   string                 `json:"source"`
	Severity string                 `json:"severity,omitempty"`
	Priority int                    `json:"priority,omitempty"`
	Payload  map[string]interface{} `json:"payload"`
	TTLMS    int64                  `json:"ttl_ms,omitempty"`
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Category == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category is required"})
		return
	}

	ev := event.New(event.Category(req.Category), req.Source, req.Payload)
	if req.Severity != "" {
		ev = ev.WithSeverity(event.Severity(req.Severity))
	}
	if req.Priority != 0 {
		ev = ev.WithPriority(event.Priority(req.Priority))
	}
	if req.TTLMS > 0 {
		ev = ev.WithTTL(time.Duration(req.TTLMS) * time.Millisecond)
	}

	if !h.orch.PublishEvent(r.Context(), ev) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event not accepted"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.ID, "status": "queued"})
}

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	letters := h.orch.DeadLetters()
	if letters == nil {
		letters = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, letters)
}

type decisionRequest struct {
	Scenario  string   `json:"scenario"`
	Agents    []string `json:"agents"`
	Algorithm string   `json:"algorithm,omitempty"`
}

func (h *Handler) startDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sessionID, err := h.orch.StartCollaborativeDecision(r.Context(), req.Scenario, req.Agents,
		consensus.Algorithm(req.Algorithm))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

type opinionRequest struct {
	Agent      string  `json:"agent"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

func (h *Handler) submitOpinion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req opinionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.orch.ContributeToDecision(sessionID, req.Agent, req.Decision, req.Confidence, req.Reasoning) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "opinion rejected"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": "recorded"})
}

func (h *Handler) decisionState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	state, ok := h.orch.DecisionState(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	opinions, _ := h.orch.DecisionOpinions(sessionID, 0)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"state":      state,
		"opinions":   len(opinions),
	})
}

func (h *Handler) decisionResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	result := h.orch.CollaborativeDecisionResult(r.Context(), sessionID)
	if result == nil {
		if _, ok := h.orch.DecisionState(sessionID); ok {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "session still collecting"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type conversationRequest struct {
	Topic     string   `json:"topic"`
	Objective string   `json:"objective,omitempty"`
	Agents    []string `json:"agents"`
	MaxRounds int      `json:"max_rounds,omitempty"`
}

func (h *Handler) facilitateConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	summary, err := h.orch.FacilitateAgentConversation(r.Context(), req.Topic, req.Objective,
		req.Agents, req.MaxRounds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type resolveRequest struct {
	Messages []mediator.Message `json:"messages"`
}

func (h *Handler) resolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resolution, err := h.orch.ResolveAgentConflicts(req.Messages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

// writeError maps the fault taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, faults.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, faults.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, faults.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, faults.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, faults.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
