package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/chat"
	"github.com/nidhogg/nuka-forge/internal/orchestrator"
	"github.com/nidhogg/nuka-forge/internal/store"
	"github.com/nidhogg/nuka-forge/internal/webhook"
	"go.uber.org/zap"
)

// maxBody bounds request bodies, attachments included.
const maxBody = 8 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	driver   *orchestrator.Driver
	chat     *chat.Service
	webhooks *webhook.Service
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	st *store.Store,
	driver *orchestrator.Driver,
	chatSvc *chat.Service,
	webhooks *webhook.Service,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:    st,
		driver:   driver,
		chat:     chatSvc,
		webhooks: webhooks,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBody))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/state", h.getState)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", h.getAgent)
			r.Get("/logs", h.agentLogs)
			r.Get("/deployments", h.agentDeployments)
			r.Post("/chat", h.chatWithAgent)

			// Lifecycle triggers
			r.Post("/evolve", h.startEvolution)
			r.Post("/certify", h.startCertification)
			r.Post("/deploy", h.startDeployment)
			r.Post("/optimize", h.startOptimization)
			r.Post("/re-evolve", h.startReEvolution)
			r.Post("/auto-evolve", h.startAutoEvolution)
			r.Post("/ingest", h.ingestData)
			r.Post("/strategy", h.bindStrategy)
			r.Post("/restart", h.requestRestart)
			r.Post("/api-key", h.regenerateAPIKey)
		})

		r.Post("/governance", h.applyGovernance)
		r.Post("/actions", h.dispatchAction)
		r.Get("/audit", h.auditLog)
		r.Get("/strategies", h.listStrategies)
		r.Get("/scheduler", h.schedulerStatus)
		r.Post("/orchestrator/tasks", h.runOneShot)

		r.Get("/webhooks", h.listWebhooks)
		r.Post("/webhooks", h.registerWebhook)
		r.Post("/webhooks/{id}/deliver", h.deliverWebhook)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "forge"})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.store.Snapshot().Agents
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentRequest struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Objective    string                 `json:"objective"`
	Category     agent.Category         `json:"category"`
	StrategyID   string                 `json:"strategy_id"`
	Governance   agent.GovernanceConfig `json:"governance"`
	Capabilities []string               `json:"capabilities"`
	EngineIDs    []string               `json:"engine_ids"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	a := agent.Agent{
		ID:           req.ID,
		Name:         req.Name,
		Objective:    req.Objective,
		Category:     req.Category,
		Status:       agent.StatusConception,
		StrategyID:   req.StrategyID,
		Governance:   req.Governance,
		Capabilities: req.Capabilities,
		EngineIDs:    req.EngineIDs,
		APIKey:       "nf_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	if err := h.store.Dispatch(agent.CreateAgent{Agent: a}); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, _ := h.store.Agent(a.ID)
	h.logger.Info("agent created", zap.String("id", a.ID), zap.String("strategy", a.StrategyID))
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.store.Agent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) agentLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.store.Agent(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	logs := h.store.LogsFor(id)
	if logs == nil {
		logs = []agent.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) agentDeployments(w http.ResponseWriter, r *http.Request) {
	deps := h.store.DeploymentsFor(chi.URLParam(r, "id"))
	if deps == nil {
		deps = []agent.Deployment{}
	}
	writeJSON(w, http.StatusOK, deps)
}

func (h *Handler) applyGovernance(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	g, err := agent.DecodeGovernance(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.Dispatch(agent.ApplyGovernanceAction{Action: g}); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "applied",
		"type":     string(g.Kind()),
		"agent_id": g.Target(),
	})
}

func (h *Handler) dispatchAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.DispatchJSON(body); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (h *Handler) auditLog(w http.ResponseWriter, r *http.Request) {
	entries := h.store.AuditLog()
	if entries == nil {
		entries = []agent.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) listStrategies(w http.ResponseWriter, r *http.Request) {
	strategies := h.store.Snapshot().Strategies
	if strategies == nil {
		strategies = []agent.Strategy{}
	}
	writeJSON(w, http.StatusOK, strategies)
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	running := h.driver.Running()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": running,
		"count":   len(running),
	})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, orchestrator.ErrStrategyNotFound),
		errors.Is(err, webhook.ErrWebhookNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrStrategyBound),
		errors.Is(err, orchestrator.ErrAgentBusy):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
