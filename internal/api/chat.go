package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/chat"
	"go.uber.org/zap"
)

type chatRequest struct {
	Message     string            `json:"message"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

type chatResponse struct {
	Text                      string            `json:"text"`
	IsError                   bool              `json:"is_error"`
	ActivatedEngineID         string            `json:"activated_engine_id,omitempty"`
	UsedModelType             string            `json:"used_model_type,omitempty"`
	GroundingURLs             []string          `json:"grounding_urls,omitempty"`
	ProposedGovernanceActions []json.RawMessage `json:"proposed_governance_actions,omitempty"`
	Steps                     []string          `json:"steps,omitempty"`
}

func (h *Handler) chatWithAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := h.store.Agent(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}

	call := h.chat.Respond(r.Context(), chat.Request{
		AgentID:     id,
		Text:        req.Message,
		Attachments: req.Attachments,
	})
	var steps []string
	for st := range call.Steps() {
		steps = append(steps, st.Message)
	}
	resp, err := call.Wait(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}

	out := chatResponse{
		Text:              resp.Text,
		IsError:           resp.IsError,
		ActivatedEngineID: resp.ActivatedEngineID,
		UsedModelType:     resp.UsedModelType,
		GroundingURLs:     resp.GroundingURLs,
		Steps:             steps,
	}
	for _, g := range resp.ProposedGovernanceActions {
		raw, err := agent.EncodeGovernance(g)
		if err != nil {
			h.logger.Warn("encode governance proposal", zap.Error(err))
			continue
		}
		out.ProposedGovernanceActions = append(out.ProposedGovernanceActions, raw)
	}
	status := http.StatusOK
	if errors.Is(resp.Err, chat.ErrRateLimited) {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, out)
}
