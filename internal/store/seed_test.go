package store

import (
	"testing"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `
strategies:
  - id: launch
    name: Product launch
    steps:
      - type: ResearchMarket
        config: {task: "size the market", duration_ms: 4000}
      - type: Evolve
        config: {generations: 3}
agents:
  - id: nova
    name: Nova
    objective: Write launch copy
    category: Creative
    strategy_id: launch
    governance:
      max_continuous_execution_minutes: 5
      rate_limit_per_minute: 10
      output_content_filters: [internal-codename]
webhooks:
  - id: wh-ingest
    url: https://hooks.example/ingest
    purpose: data_ingestion
    agent_id: nova
engines:
  - id: eng-1
    name: Reasoner
    model_type: reasoning
`

func TestSeedState(t *testing.T) {
	sd, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	st, err := sd.State(SeedOptions{DiagnosticsID: "diag", OrchestratorID: "orch", Now: epoch})
	require.NoError(t, err)

	nova, ok := st.FindAgent("nova")
	require.True(t, ok)
	assert.Equal(t, agent.StatusConception, nova.Status)
	assert.Equal(t, agent.CategoryCreative, nova.Category)
	assert.Equal(t, 5.0, nova.Governance.MaxContinuousExecutionMinutes)
	assert.Equal(t, []string{"internal-codename"}, nova.Governance.OutputContentFilters)
	assert.Equal(t, 0, nova.CurrentStrategyStep)

	orch, ok := st.FindAgent("orch")
	require.True(t, ok)
	assert.Equal(t, agent.CategoryOrchestrator, orch.Category)

	strat, ok := st.FindStrategy("launch")
	require.True(t, ok)
	assert.Equal(t, 4000, strat.Steps[0].Config.DurationMS)

	_, ok = st.FindWebhook("wh-ingest")
	assert.True(t, ok)
	assert.Len(t, st.Engines, 1)
	assert.NotEmpty(t, st.LogsFor("diag"))
}

func TestSeedRejectsUnknownStrategy(t *testing.T) {
	sd := &Seed{Agents: []agent.Agent{{ID: "x", StrategyID: "missing"}}}
	_, err := sd.State(SeedOptions{DiagnosticsID: "diag", Now: epoch})
	assert.Error(t, err)
}
