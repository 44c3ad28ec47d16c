package scheduler

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, status agent.Status, gov agent.GovernanceConfig) (*Scheduler, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	st := store.New(agent.NewState("diag", epoch), clock, zap.NewNop())
	require.NoError(t, st.Dispatch(agent.CreateAgent{Agent: agent.Agent{
		ID:         "a1",
		Name:       "Atlas",
		Status:     status,
		Governance: gov,
	}}))
	s := New(st, clock, Options{TickInterval: 100 * time.Millisecond, MaxSubTaskIncrement: 8, Seed: 7}, zap.NewNop())
	t.Cleanup(s.Shutdown)
	return s, st, clock
}

// advanceUntil steps the fake clock until cond holds.
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clock.Advance(step)
		return false
	}, 3*time.Second, 5*time.Millisecond)
}

func TestScheduleCompletesOnce(t *testing.T) {
	s, st, clock := newTestScheduler(t, agent.StatusEvolving, agent.GovernanceConfig{})

	var calls atomic.Int32
	h := s.Schedule(Request{
		AgentID:    "a1",
		Phases:     []Phase{{Name: "evolve", Duration: time.Second, SubTasks: []string{"mutate", "select"}}},
		CycleStart: epoch,
		OnComplete: func() { calls.Add(1) },
	})
	assert.True(t, s.Running("a1"))

	advanceUntil(t, clock, 200*time.Millisecond, func() bool { return calls.Load() == 1 })
	<-h.Done()

	clock.Advance(5 * time.Second)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.Running("a1"))
	assert.False(t, h.Cancel(), "finished handles cannot be cancelled")

	a, _ := st.Agent("a1")
	assert.Equal(t, 100.0, a.Progress)
	for _, sub := range a.SubTasks {
		assert.Equal(t, 100.0, sub.Progress)
	}
}

func TestDefaultCompletionCertifies(t *testing.T) {
	s, st, clock := newTestScheduler(t, agent.StatusCertifying, agent.GovernanceConfig{})
	s.Schedule(Request{AgentID: "a1", Phases: []Phase{{Duration: 500 * time.Millisecond}}, CycleStart: epoch})

	advanceUntil(t, clock, 100*time.Millisecond, func() bool {
		a, _ := st.Agent("a1")
		return a.Status == agent.StatusCertified
	})
	a, _ := st.Agent("a1")
	assert.Equal(t, 100.0, a.Progress)
}

func TestProgressAndSubTasksStayInBounds(t *testing.T) {
	s, st, clock := newTestScheduler(t, agent.StatusEvolving, agent.GovernanceConfig{})
	s.Schedule(Request{
		AgentID:    "a1",
		Phases:     []Phase{{Duration: time.Minute, SubTasks: []string{"a", "b", "c"}}},
		CycleStart: epoch,
	})

	var last float64
	for range 5 {
		advanceUntil(t, clock, 100*time.Millisecond, func() bool {
			a, _ := st.Agent("a1")
			return a.Progress > last
		})
		a, _ := st.Agent("a1")
		assert.GreaterOrEqual(t, a.Progress, last)
		assert.Less(t, a.Progress, 100.0)
		last = a.Progress
		require.Len(t, a.SubTasks, 3)
		for _, sub := range a.SubTasks {
			assert.GreaterOrEqual(t, sub.Progress, 1.0)
			assert.LessOrEqual(t, sub.Progress, 100.0)
		}
	}
}

func TestCancelStopsDispatch(t *testing.T) {
	s, st, clock := newTestScheduler(t, agent.StatusEvolving, agent.GovernanceConfig{})
	h := s.Schedule(Request{AgentID: "a1", Phases: []Phase{{Duration: 10 * time.Second}}, CycleStart: epoch})

	advanceUntil(t, clock, 100*time.Millisecond, func() bool {
		a, _ := st.Agent("a1")
		return a.Progress > 0
	})
	assert.True(t, s.Cancel("a1"))
	<-h.Done()

	before, _ := st.Agent("a1")
	clock.Advance(20 * time.Second)
	after, _ := st.Agent("a1")
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, agent.StatusEvolving, after.Status)
	assert.False(t, s.Running("a1"))
	assert.False(t, s.Cancel("a1"))
}

func TestRescheduleCancelsPrevious(t *testing.T) {
	s, _, _ := newTestScheduler(t, agent.StatusEvolving, agent.GovernanceConfig{})
	first := s.Schedule(Request{AgentID: "a1", Phases: []Phase{{Duration: time.Minute}}, CycleStart: epoch})
	second := s.Schedule(Request{AgentID: "a1", Phases: []Phase{{Duration: time.Minute}}, CycleStart: epoch})

	assert.True(t, first.Canceled())
	assert.False(t, second.Canceled())
	assert.Equal(t, []string{"a1"}, s.Active())
	<-first.Done()
}

func TestPhasesRunInSequence(t *testing.T) {
	s, st, clock := newTestScheduler(t, agent.StatusEvolving, agent.GovernanceConfig{})
	var done atomic.Bool
	s.Schedule(Request{
		AgentID: "a1",
		Phases: []Phase{
			{Name: "one", Duration: time.Second, SubTasks: []string{"x"}},
			{Name: "two", Duration: time.Second, SubTasks: []string{"y"}},
		},
		CycleStart: epoch,
		OnComplete: func() { done.Store(true) },
	})

	advanceUntil(t, clock, 100*time.Millisecond, func() bool {
		a, _ := st.Agent("a1")
		return len(a.SubTasks) == 1 && a.SubTasks[0].Name == "y"
	})
	assert.False(t, done.Load())
	advanceUntil(t, clock, 100*time.Millisecond, done.Load)
}

func TestGovernanceInterventionFailsAgent(t *testing.T) {
	s, st, clock := newTestScheduler(t, agent.StatusEvolving, agent.GovernanceConfig{MaxContinuousExecutionMinutes: 1})
	var completed atomic.Bool
	h := s.Schedule(Request{
		AgentID:    "a1",
		Phases:     []Phase{{Duration: 5 * time.Minute}},
		Governance: agent.GovernanceConfig{MaxContinuousExecutionMinutes: 1},
		CycleStart: epoch,
		OnComplete: func() { completed.Store(true) },
	})

	advanceUntil(t, clock, 10*time.Second, func() bool {
		a, _ := st.Agent("a1")
		return a.Status == agent.StatusFailed
	})
	<-h.Done()
	clock.Advance(10 * time.Minute)

	a, _ := st.Agent("a1")
	assert.Equal(t, 0.0, a.Progress)
	assert.Equal(t, 1, a.FailedAttempts)
	assert.False(t, completed.Load())
	assert.False(t, s.Running("a1"))

	var interventions int
	for _, e := range st.AuditLog() {
		if strings.Contains(e.Message, "GOVERNANCE_INTERVENTION") && strings.Contains(e.Message, "exceeded max continuous execution") {
			interventions++
		}
	}
	assert.Equal(t, 1, interventions)
}

func TestRegistryRemoveIgnoresStaleHandle(t *testing.T) {
	r := NewRegistry()
	old, cur := &Handle{agentID: "a"}, &Handle{agentID: "a"}
	r.Put("a", old)
	assert.Same(t, old, r.Put("a", cur))
	assert.False(t, r.Remove("a", old))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Remove("a", cur))
	assert.Empty(t, r.Drain())
}
