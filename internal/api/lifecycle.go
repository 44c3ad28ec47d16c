package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type durationRequest struct {
	DurationMS int `json:"duration_ms"`
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// trigger runs a lifecycle operation and reports the agent afterwards.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	a, _ := h.store.Agent(id)
	writeJSON(w, http.StatusAccepted, a)
}

func (h *Handler) startEvolution(w http.ResponseWriter, r *http.Request) {
	var req durationRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.trigger(w, r, func(id string) error {
		return h.driver.StartEvolution(id, time.Duration(req.DurationMS)*time.Millisecond)
	})
}

func (h *Handler) startCertification(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.driver.StartCertification)
}

type deployRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *Handler) startDeployment(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.trigger(w, r, func(id string) error {
		return h.driver.StartDeployment(id, req.Endpoint)
	})
}

func (h *Handler) startOptimization(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.driver.StartOptimization)
}

func (h *Handler) startReEvolution(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.driver.StartReEvolution)
}

func (h *Handler) startAutoEvolution(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.driver.StartAutoEvolution)
}

type ingestRequest struct {
	Count              int  `json:"count"`
	TriggerReEvolution bool `json:"trigger_re_evolution"`
}

func (h *Handler) ingestData(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.trigger(w, r, func(id string) error {
		return h.driver.IngestData(id, req.Count, req.TriggerReEvolution)
	})
}

type bindStrategyRequest struct {
	StrategyID string `json:"strategy_id"`
}

func (h *Handler) bindStrategy(w http.ResponseWriter, r *http.Request) {
	var req bindStrategyRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.trigger(w, r, func(id string) error {
		return h.driver.BindStrategy(id, req.StrategyID)
	})
}

func (h *Handler) requestRestart(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.driver.RequestRestart)
}

func (h *Handler) regenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := h.driver.RegenerateAPIKey(id)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "api_key": key})
}

type oneShotRequest struct {
	Task       string `json:"task"`
	DurationMS int    `json:"duration_ms"`
}

func (h *Handler) runOneShot(w http.ResponseWriter, r *http.Request) {
	var req oneShotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
		return
	}
	if err := h.driver.RunOneShot(req.Task, time.Duration(req.DurationMS)*time.Millisecond); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "task": req.Task})
}
