package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/chat"
	"github.com/nidhogg/nuka-forge/internal/orchestrator"
	"github.com/nidhogg/nuka-forge/internal/scheduler"
	"github.com/nidhogg/nuka-forge/internal/store"
	"github.com/nidhogg/nuka-forge/internal/webhook"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestHandler creates a Handler wired with in-memory deps and a fake clock.
// The driver's reconcile loop is not running; triggers apply synchronously.
func newTestHandler(t *testing.T) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	clock := clockwork.NewFakeClockAt(epoch)

	initial := agent.NewState("diag", epoch)
	initial.Strategies = []agent.Strategy{{
		ID:    "quick",
		Name:  "Quick",
		Steps: []agent.StrategyStep{{Type: agent.StepEvolve, Config: agent.StepConfig{Generations: 1}}},
	}}
	st := store.New(initial, clock, logger)
	if err := st.Dispatch(agent.CreateAgent{Agent: agent.Agent{
		ID: "orch", Name: "Orchestrator", Category: agent.CategoryOrchestrator,
		Status: agent.StatusLive, Progress: 100,
	}}); err != nil {
		t.Fatalf("seed orchestrator: %v", err)
	}

	sched := scheduler.New(st, clock, scheduler.Options{Seed: 1}, logger)
	t.Cleanup(sched.Shutdown)
	driver := orchestrator.NewDriver(st, sched, orchestrator.Options{
		OrchestratorID: "orch",
		Units:          agent.DurationUnits{Default: time.Second},
	}, logger)

	chatSvc := chat.NewService(st, chat.ResponderFunc(
		func(ctx context.Context, in chat.Input, steps chan<- chat.ThinkStep) (*chat.Response, error) {
			steps <- chat.ThinkStep{Message: "reading the question"}
			resp := &chat.Response{Text: "echo: " + in.Text}
			if strings.Contains(in.Text, "mask") {
				resp.ProposedGovernanceActions = []agent.GovernanceAction{
					agent.ImplementOutputMasking{AgentID: in.AgentID, Filters: []string{"token"}},
				}
			}
			return resp, nil
		}), logger)

	h := NewHandler(st, driver, chatSvc, webhook.NewService(st, driver, logger), logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return h, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	var b []byte
	switch v := body.(type) {
	case nil:
	case string:
		b = []byte(v)
	default:
		b, _ = json.Marshal(v)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d (%v)", want, resp.StatusCode, body)
	}
}

func createAgent(t *testing.T, ts *httptest.Server, body map[string]interface{}) agent.Agent {
	t.Helper()
	resp := postJSON(t, ts, "/api/agents", body)
	expectStatus(t, resp, http.StatusCreated)
	var a agent.Agent
	decodeJSON(t, resp, &a)
	return a
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	_, ts := newTestHandler(t)

	a := createAgent(t, ts, map[string]interface{}{
		"name":      "Atlas",
		"objective": "forecast demand",
		"category":  "Analytical",
	})
	if a.ID == "" {
		t.Fatal("expected generated id")
	}
	if a.Status != agent.StatusConception {
		t.Errorf("expected Conception, got %s", a.Status)
	}
	if !strings.HasPrefix(a.APIKey, "nf_") {
		t.Errorf("expected api key with nf_ prefix, got %q", a.APIKey)
	}

	resp := getJSON(t, ts, "/api/agents/"+a.ID)
	expectStatus(t, resp, http.StatusOK)
	var got agent.Agent
	decodeJSON(t, resp, &got)
	if got.Name != "Atlas" {
		t.Errorf("expected Atlas, got %q", got.Name)
	}

	resp = getJSON(t, ts, "/api/agents")
	var list []agent.Agent
	decodeJSON(t, resp, &list)
	if len(list) != 3 {
		t.Errorf("expected 3 agents (diagnostics, orchestrator, Atlas), got %d", len(list))
	}

	resp = getJSON(t, ts, "/api/agents/"+a.ID+"/logs")
	var logs []agent.LogEntry
	decodeJSON(t, resp, &logs)
	if len(logs) == 0 || logs[0].Stage != agent.StageConception {
		t.Errorf("expected a conception log entry, got %v", logs)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{"objective": "nameless"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents", map[string]interface{}{"name": "Lost", "strategy_id": "nope"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/ghost")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestLifecycleTriggers(t *testing.T) {
	_, ts := newTestHandler(t)
	a := createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/agents/"+a.ID+"/evolve", map[string]int{"duration_ms": 5000})
	expectStatus(t, resp, http.StatusAccepted)
	var got agent.Agent
	decodeJSON(t, resp, &got)
	if got.Status != agent.StatusEvolving {
		t.Errorf("expected Evolving, got %s", got.Status)
	}

	// A second trigger while the task runs is a conflict.
	resp = postJSON(t, ts, "/api/agents/"+a.ID+"/evolve", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/scheduler")
	var status struct {
		Running []string `json:"running"`
		Count   int      `json:"count"`
	}
	decodeJSON(t, resp, &status)
	if status.Count != 1 || status.Running[0] != "a1" {
		t.Errorf("expected a1 running, got %+v", status)
	}

	// Certification is only valid from Certifying.
	resp = postJSON(t, ts, "/api/agents/"+a.ID+"/certify", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents/ghost/optimize", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestIngestAndStrategyBinding(t *testing.T) {
	_, ts := newTestHandler(t)
	createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/agents/a1/ingest", map[string]interface{}{"count": 0})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents/a1/ingest", map[string]interface{}{"count": 7})
	expectStatus(t, resp, http.StatusAccepted)
	var got agent.Agent
	decodeJSON(t, resp, &got)
	if got.DataCount != 7 {
		t.Errorf("expected data count 7, got %d", got.DataCount)
	}

	resp = postJSON(t, ts, "/api/agents/a1/strategy", map[string]string{"strategy_id": "missing"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents/a1/strategy", map[string]string{"strategy_id": "quick"})
	expectStatus(t, resp, http.StatusAccepted)
	decodeJSON(t, resp, &got)
	if got.StrategyID != "quick" || got.Status != agent.StatusEvolving {
		t.Errorf("expected quick strategy running its first step, got %s/%s", got.StrategyID, got.Status)
	}

	// Manual triggers are refused for strategy-bound agents.
	resp = postJSON(t, ts, "/api/agents/a1/optimize", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestGovernanceEndpoint(t *testing.T) {
	h, ts := newTestHandler(t)
	createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/governance",
		`{"type":"ResetObjective","agent_id":"a1","details":{"objective":"summarise reports"}}`)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	a, _ := h.store.Agent("a1")
	if a.Objective != "summarise reports" {
		t.Errorf("expected objective reset, got %q", a.Objective)
	}

	resp = postJSON(t, ts, "/api/governance", `{"type":"Teleport","agent_id":"a1"}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/governance", `{"type":"SuspendAgent","agent_id":"ghost","details":{"reason":"x"}}`)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/audit")
	var audit []agent.LogEntry
	decodeJSON(t, resp, &audit)
	found := false
	for _, e := range audit {
		if strings.Contains(e.Message, "GOVERNANCE_ACTION type=ResetObjective agent=a1") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected governance audit entry, got %v", audit)
	}
}

func TestDispatchRawAction(t *testing.T) {
	h, ts := newTestHandler(t)
	createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/actions",
		`{"type":"UpdateDataCount","payload":{"agent_id":"a1","delta":3}}`)
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	a, _ := h.store.Agent("a1")
	if a.DataCount != 3 {
		t.Errorf("expected data count 3, got %d", a.DataCount)
	}

	resp = postJSON(t, ts, "/api/actions", `{"type":"Explode","payload":{}}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestChatEndpoint(t *testing.T) {
	h, ts := newTestHandler(t)
	createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/agents/a1/chat", map[string]string{"message": "please mask the token"})
	expectStatus(t, resp, http.StatusOK)
	var out chatResponse
	decodeJSON(t, resp, &out)
	if out.IsError {
		t.Fatalf("unexpected error response: %s", out.Text)
	}
	if len(out.Steps) != 1 || out.Steps[0] != "reading the question" {
		t.Errorf("expected one think step, got %v", out.Steps)
	}
	if len(out.ProposedGovernanceActions) != 1 {
		t.Fatalf("expected one proposal, got %d", len(out.ProposedGovernanceActions))
	}
	g, err := agent.DecodeGovernance(out.ProposedGovernanceActions[0])
	if err != nil {
		t.Fatalf("decode proposal: %v", err)
	}
	if g.Kind() != agent.GovImplementOutputMasking {
		t.Errorf("expected masking proposal, got %s", g.Kind())
	}
	a, _ := h.store.Agent("a1")
	if len(a.Governance.OutputContentFilters) != 1 {
		t.Errorf("expected proposal applied, got filters %v", a.Governance.OutputContentFilters)
	}

	resp = postJSON(t, ts, "/api/agents/ghost/chat", map[string]string{"message": "hi"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestWebhookRoutes(t *testing.T) {
	_, ts := newTestHandler(t)
	createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/webhooks", map[string]interface{}{
		"url": "ftp://nowhere", "purpose": "notification",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/webhooks", map[string]interface{}{
		"url": "https://sensors.example/feed", "purpose": "data_ingestion", "agent_id": "a1",
	})
	expectStatus(t, resp, http.StatusCreated)
	var wh agent.Webhook
	decodeJSON(t, resp, &wh)

	resp = postJSON(t, ts, "/api/webhooks/"+wh.ID+"/deliver", map[string]int{"count": 2})
	expectStatus(t, resp, http.StatusAccepted)
	var res webhook.Result
	decodeJSON(t, resp, &res)
	if res.AgentID != "a1" {
		t.Errorf("expected delivery to a1, got %q", res.AgentID)
	}

	resp = getJSON(t, ts, "/api/agents/a1")
	var a agent.Agent
	decodeJSON(t, resp, &a)
	if a.DataCount != 2 {
		t.Errorf("expected data count 2, got %d", a.DataCount)
	}

	resp = postJSON(t, ts, "/api/webhooks/unknown/deliver", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/webhooks")
	var hooks []agent.Webhook
	decodeJSON(t, resp, &hooks)
	if len(hooks) != 1 {
		t.Errorf("expected 1 webhook, got %d", len(hooks))
	}
}

func TestOneShotTask(t *testing.T) {
	h, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/orchestrator/tasks", map[string]string{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/orchestrator/tasks", map[string]interface{}{"task": "rebuild index"})
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	a, _ := h.store.Agent("orch")
	if a.Status != agent.StatusExecutingStrategy {
		t.Errorf("expected orchestrator executing, got %s", a.Status)
	}
}

func TestRegenerateAPIKeyEndpoint(t *testing.T) {
	_, ts := newTestHandler(t)
	a := createAgent(t, ts, map[string]interface{}{"id": "a1", "name": "Atlas"})

	resp := postJSON(t, ts, "/api/agents/a1/api-key", nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["api_key"] == "" || body["api_key"] == a.APIKey {
		t.Errorf("expected a fresh key, got %q", body["api_key"])
	}
}
