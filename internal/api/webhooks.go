package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-forge/internal/agent"
)

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks := h.store.Snapshot().Webhooks
	if hooks == nil {
		hooks = []agent.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

type registerWebhookRequest struct {
	URL     string               `json:"url"`
	Purpose agent.WebhookPurpose `json:"purpose"`
	Events  []string             `json:"events"`
	AgentID string               `json:"agent_id"`
}

func (h *Handler) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wh, err := h.webhooks.Register(req.URL, req.Purpose, req.Events, req.AgentID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (h *Handler) deliverWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.webhooks.Deliver(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
