package agent

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestState(t *testing.T) State {
	t.Helper()
	s := NewState("diag", t0)
	s.Strategies = []Strategy{{
		ID:   "launch",
		Name: "Launch",
		Steps: []StrategyStep{
			{Type: StepIngestData, Config: StepConfig{TargetDataPoints: 100}},
			{Type: StepEvolve, Config: StepConfig{Generations: 3}},
			{Type: StepDeploy},
		},
	}}
	s, err := Reduce(s, CreateAgent{Agent: Agent{ID: "a1", Name: "Atlas", Objective: "forecast demand"}}, t0)
	require.NoError(t, err)
	return s
}

func mustReduce(t *testing.T, s State, a Action) State {
	t.Helper()
	next, err := Reduce(s, a, t0)
	require.NoError(t, err)
	return next
}

func TestCreateAgentDefaults(t *testing.T) {
	s := newTestState(t)

	a, ok := s.FindAgent("a1")
	require.True(t, ok)
	assert.Equal(t, StatusConception, a.Status)
	assert.Equal(t, CategoryStandard, a.Category)
	assert.Equal(t, t0, a.CreatedAt)

	logs := s.LogsFor("a1")
	require.Len(t, logs, 1)
	assert.Equal(t, StageConception, logs[0].Stage)
}

func TestCreateAgentRejectsDuplicate(t *testing.T) {
	s := newTestState(t)
	next, err := Reduce(s, CreateAgent{Agent: Agent{ID: "a1"}}, t0)
	require.Error(t, err)
	assert.Len(t, next.Agents, len(s.Agents))
}

func TestUpdateAgentClampsProgress(t *testing.T) {
	s := newTestState(t)

	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{Progress: Ptr(140.0)}})
	a, _ := s.FindAgent("a1")
	assert.Equal(t, 100.0, a.Progress)

	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{Progress: Ptr(-3.0)}})
	a, _ = s.FindAgent("a1")
	assert.Equal(t, 0.0, a.Progress)
}

func TestUpdateAgentRejectsOutOfRangeStep(t *testing.T) {
	s := newTestState(t)
	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{StrategyID: Ptr("launch")}})

	_, err := Reduce(s, UpdateAgent{ID: "a1", Patch: AgentPatch{CurrentStrategyStep: Ptr(4)}}, t0)
	require.Error(t, err)

	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{CurrentStrategyStep: Ptr(3)}})
	a, _ := s.FindAgent("a1")
	assert.Equal(t, 3, a.CurrentStrategyStep)
}

func TestUpdateAgentRejectsInvalidStatus(t *testing.T) {
	s := newTestState(t)
	_, err := Reduce(s, UpdateAgent{ID: "a1", Patch: AgentPatch{Status: Ptr(Status("Dreaming"))}}, t0)
	require.Error(t, err)
}

func TestReducerDoesNotMutateInput(t *testing.T) {
	s := newTestState(t)
	before := s.Agents[1]

	_ = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{
		Status:   Ptr(StatusEvolving),
		Progress: Ptr(40.0),
		SubTasks: []SubTask{{Name: "mutate", Progress: 10}},
	}})
	_ = mustReduce(t, s, AddLog{AgentID: "a1", Entry: LogEntry{Stage: StageInfo, Message: "x"}})

	assert.Equal(t, before, s.Agents[1])
	assert.Len(t, s.LogsFor("a1"), 1)
}

func TestConsumeRestartFlagIsIdempotent(t *testing.T) {
	s := newTestState(t)
	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{RestartRequested: Ptr(true)}})

	s = mustReduce(t, s, ConsumeRestartFlag{AgentID: "a1"})
	a, _ := s.FindAgent("a1")
	assert.False(t, a.RestartRequested)

	again := mustReduce(t, s, ConsumeRestartFlag{AgentID: "a1"})
	a, _ = again.FindAgent("a1")
	assert.False(t, a.RestartRequested)
	assert.Equal(t, s.Agents, again.Agents)
}

func TestUpdateDataCountTriggersReEvolution(t *testing.T) {
	s := newTestState(t)
	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{Status: Ptr(StatusLive), Progress: Ptr(100.0)}})

	s = mustReduce(t, s, UpdateDataCount{AgentID: "a1", Delta: 25})
	a, _ := s.FindAgent("a1")
	assert.Equal(t, 25, a.DataCount)
	assert.Equal(t, StatusLive, a.Status)

	s = mustReduce(t, s, UpdateDataCount{AgentID: "a1", Delta: 5, TriggerReEvolution: true})
	a, _ = s.FindAgent("a1")
	assert.Equal(t, 30, a.DataCount)
	assert.Equal(t, StatusAwaitingReEvolution, a.Status)
	assert.True(t, a.ReEvolutionEligible)
}

func TestLogsAreMostRecentFirstAndBounded(t *testing.T) {
	s := newTestState(t)
	s.MaxLogEntries = 3
	for i := range 5 {
		s = mustReduce(t, s, Log("a1", StageInfo, t0.Add(time.Duration(i)*time.Second), "line %d", i))
	}
	logs := s.LogsFor("a1")
	require.Len(t, logs, 3)
	assert.Equal(t, "line 4", logs[0].Message)
	assert.Equal(t, "line 2", logs[2].Message)
}

func TestAddLogUnknownAgent(t *testing.T) {
	s := newTestState(t)
	_, err := Reduce(s, Log("ghost", StageInfo, t0, "boo"), t0)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestSuspendAgent(t *testing.T) {
	s := newTestState(t)
	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{Status: Ptr(StatusLive), Progress: Ptr(100.0)}})

	s = mustReduce(t, s, ApplyGovernanceAction{Action: SuspendAgent{AgentID: "a1", Reason: "R"}})
	a, _ := s.FindAgent("a1")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, 0.0, a.Progress)
	assert.Empty(t, a.SubTasks)
	assert.True(t, a.RestartRequested)
	assert.True(t, strings.HasPrefix(a.Objective, "[SUSPENDED "), a.Objective)
	assert.Contains(t, a.Objective, "Reason: R]")
	assert.True(t, strings.HasSuffix(a.Objective, "forecast demand"))
	assert.Equal(t, 1, a.FailedAttempts)
}

func TestGovernanceRecoveryFromFailed(t *testing.T) {
	cases := []struct {
		name   string
		action GovernanceAction
		want   Status
	}{
		{"reset lifecycle", ResetLifecycle{AgentID: "a1"}, StatusConception},
		{"retrain", RetrainModel{AgentID: "a1", Reason: "drift"}, StatusAwaitingReEvolution},
		{"reset objective", ResetObjective{AgentID: "a1", Objective: "new goal"}, StatusConception},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestState(t)
			s = mustReduce(t, s, ApplyGovernanceAction{Action: FlagForManualReview{AgentID: "a1", Reason: "loop"}})
			a, _ := s.FindAgent("a1")
			require.Equal(t, StatusFailed, a.Status)
			require.True(t, strings.HasPrefix(a.Objective, "[FLAGGED FOR REVIEW Reason: loop]"))

			s = mustReduce(t, s, ApplyGovernanceAction{Action: tc.action})
			a, _ = s.FindAgent("a1")
			assert.Equal(t, tc.want, a.Status)
			assert.True(t, a.RestartRequested)
		})
	}
}

func TestImplementOutputMaskingDeduplicates(t *testing.T) {
	s := newTestState(t)
	s = mustReduce(t, s, ApplyGovernanceAction{Action: ImplementOutputMasking{AgentID: "a1", Filters: []string{"secret", "ssn"}}})
	s = mustReduce(t, s, ApplyGovernanceAction{Action: ImplementOutputMasking{AgentID: "a1", Filters: []string{"ssn", "iban"}}})

	a, _ := s.FindAgent("a1")
	assert.Equal(t, []string{"secret", "ssn", "iban"}, a.Governance.OutputContentFilters)
}

func TestAdjustStrategyParametersRepositions(t *testing.T) {
	s := newTestState(t)
	s = mustReduce(t, s, UpdateAgent{ID: "a1", Patch: AgentPatch{StrategyID: Ptr("launch")}})

	s = mustReduce(t, s, ApplyGovernanceAction{Action: AdjustStrategyParameters{
		AgentID:    "a1",
		Parameters: map[string]string{"market": "emea"},
		Step:       Ptr(9),
	}})
	a, _ := s.FindAgent("a1")
	assert.Equal(t, 3, a.CurrentStrategyStep)
	assert.Equal(t, "emea", a.StrategyParameters["market"])
}

func TestGovernanceUnknownTarget(t *testing.T) {
	s := newTestState(t)
	_, err := Reduce(s, ApplyGovernanceAction{Action: SuspendAgent{AgentID: "ghost"}}, t0)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = Reduce(s, ApplyGovernanceAction{}, t0)
	assert.ErrorIs(t, err, ErrUnknownAction)
}
