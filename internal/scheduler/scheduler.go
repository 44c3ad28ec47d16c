package scheduler

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"go.uber.org/zap"
)

// DefaultTickInterval is how often a running task samples progress.
const DefaultTickInterval = 100 * time.Millisecond

// Dispatcher is the slice of the store the scheduler needs: a way to
// apply actions and to read an agent's current status.
type Dispatcher interface {
	Dispatch(a agent.Action) error
	Agent(id string) (agent.Agent, bool)
}

// Phase is one timed unit of a scheduled task.
type Phase struct {
	Name     string
	Duration time.Duration
	SubTasks []string
}

// Request describes the task to run for one agent.
type Request struct {
	AgentID    string
	Phases     []Phase
	StartPhase int
	Governance agent.GovernanceConfig
	CycleStart time.Time
	// OnComplete runs exactly once after the last phase reaches 100%.
	// When nil the agent is marked Certified at 100%.
	OnComplete func()
}

// Options tunes a Scheduler.
type Options struct {
	TickInterval        time.Duration
	MaxSubTaskIncrement float64
	Seed                uint64
}

// Handle is the cancellation token of one scheduled task.
type Handle struct {
	id       uint64
	agentID  string
	mu       sync.Mutex // held across each tick's dispatch
	canceled bool
	finished bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// AgentID returns the agent the handle belongs to.
func (h *Handle) AgentID() string { return h.agentID }

// Cancel stops the task. Once Cancel returns the handle dispatches no
// further actions, even if a tick was in flight. It reports false when
// the task had already finished or been cancelled.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	stopped := !h.canceled && !h.finished
	if stopped {
		h.canceled = true
	}
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stop) })
	return stopped
}

// Canceled reports whether the handle was cancelled.
func (h *Handle) Canceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// Done is closed when the task goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Scheduler runs one cancellable timed task per agent and feeds progress
// back into the store as actions.
type Scheduler struct {
	registry     *Registry
	store        Dispatcher
	clock        clockwork.Clock
	interval     time.Duration
	maxIncrement float64
	rng          *rand.Rand
	rngMu        sync.Mutex
	nextID       atomic.Uint64
	mu           sync.Mutex
	closed       bool
	wg           sync.WaitGroup
	logger       *zap.Logger
}

// New creates a scheduler that dispatches into store.
func New(store Dispatcher, clock clockwork.Clock, opts Options, logger *zap.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.MaxSubTaskIncrement < 1 {
		opts.MaxSubTaskIncrement = 8
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(clock.Now().UnixNano())
	}
	return &Scheduler{
		registry:     NewRegistry(),
		store:        store,
		clock:        clock,
		interval:     opts.TickInterval,
		maxIncrement: opts.MaxSubTaskIncrement,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:       logger,
	}
}

// Schedule starts a task for req.AgentID, cancelling any task the agent
// already had.
func (s *Scheduler) Schedule(req Request) *Handle {
	h := &Handle{
		id:      s.nextID.Add(1),
		agentID: req.AgentID,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if len(req.Phases) == 0 {
		req.Phases = []Phase{{Name: "default"}}
	}
	req.StartPhase = min(max(req.StartPhase, 0), len(req.Phases)-1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.canceled = true
		h.stopOnce.Do(func() { close(h.stop) })
		close(h.done)
		return h
	}
	s.wg.Add(1)
	prev := s.registry.Put(req.AgentID, h)
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		s.logger.Debug("replaced running task",
			zap.String("agent", req.AgentID),
			zap.Uint64("prev", prev.id))
	}

	ticker := s.clock.NewTicker(s.interval)
	t := &task{
		req:        req,
		phase:      req.StartPhase,
		phaseStart: s.clock.Now(),
		subTasks:   newSubTasks(req.Phases[req.StartPhase].SubTasks),
	}

	go s.loop(h, t, ticker)

	s.logger.Info("task scheduled",
		zap.String("agent", req.AgentID),
		zap.Uint64("handle", h.id),
		zap.String("phase", req.Phases[req.StartPhase].Name),
		zap.Duration("duration", req.Phases[req.StartPhase].Duration))
	return h
}

// Cancel stops the agent's task, if any.
func (s *Scheduler) Cancel(agentID string) bool {
	h, ok := s.registry.Get(agentID)
	if !ok {
		return false
	}
	stopped := h.Cancel()
	s.registry.Remove(agentID, h)
	if stopped {
		s.logger.Info("task cancelled", zap.String("agent", agentID), zap.Uint64("handle", h.id))
	}
	return stopped
}

// Running reports whether the agent has a live task.
func (s *Scheduler) Running(agentID string) bool {
	_, ok := s.registry.Get(agentID)
	return ok
}

// Active lists agents with a live task.
func (s *Scheduler) Active() []string {
	return s.registry.AgentIDs()
}

// Shutdown cancels every task and waits for their goroutines. Later
// Schedule calls return an already cancelled handle. It must not be
// called from an OnComplete callback.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	handles := s.registry.Drain()
	s.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
}

// task is the per-run mutable state, owned by its loop goroutine.
type task struct {
	req        Request
	phase      int
	phaseStart time.Time
	progress   float64
	subTasks   []agent.SubTask
}

func (s *Scheduler) loop(h *Handle, t *task, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer close(h.done)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.Chan():
		}
		if !s.tick(h, t) {
			return
		}
	}
}

// tick advances one sample. It returns false once the task is over.
func (s *Scheduler) tick(h *Handle, t *task) bool {
	h.mu.Lock()
	if h.canceled {
		h.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	id := t.req.AgentID

	// An agent that left its active phase, or asked for a restart, gets
	// no further writes from this task.
	a, ok := s.store.Agent(id)
	if !ok || !a.Status.IsActive() || a.RestartRequested {
		h.canceled = true
		s.registry.Remove(id, h)
		h.mu.Unlock()
		return false
	}

	// Governance is checked before completion so an overrunning task
	// cannot slip through by finishing on the same tick.
	if limit := t.req.Governance.MaxContinuousExecution(); limit > 0 && now.Sub(t.req.CycleStart) > limit {
		// Failed lands before the handle is released so nothing observes
		// an active agent without a task.
		h.canceled = true
		s.intervene(id, a.Status, now, now.Sub(t.req.CycleStart), limit)
		s.registry.Remove(id, h)
		h.mu.Unlock()
		return false
	}

	phase := t.req.Phases[t.phase]
	progress := 100.0
	if phase.Duration > 0 {
		progress = min(100, float64(now.Sub(t.phaseStart))/float64(phase.Duration)*100)
	}
	t.progress = max(t.progress, progress)
	s.advanceSubTasks(t.subTasks, t.progress >= 100)

	if err := s.store.Dispatch(agent.UpdateAgent{ID: id, Patch: agent.AgentPatch{
		Progress: agent.Ptr(t.progress),
		SubTasks: append([]agent.SubTask{}, t.subTasks...),
	}}); err != nil {
		h.canceled = true
		s.registry.Remove(id, h)
		h.mu.Unlock()
		return false
	}

	if t.progress < 100 {
		h.mu.Unlock()
		return true
	}
	if t.phase+1 < len(t.req.Phases) {
		t.phase++
		t.phaseStart = now
		t.progress = 0
		t.subTasks = newSubTasks(t.req.Phases[t.phase].SubTasks)
		h.mu.Unlock()
		return true
	}

	h.finished = true
	s.registry.Remove(id, h)
	h.mu.Unlock()

	s.logger.Debug("task complete", zap.String("agent", id), zap.Uint64("handle", h.id))
	if t.req.OnComplete != nil {
		t.req.OnComplete()
	} else {
		_ = s.store.Dispatch(agent.UpdateAgent{ID: id, Patch: agent.AgentPatch{
			Status:   agent.Ptr(agent.StatusCertified),
			Progress: agent.Ptr(100.0),
		}})
	}
	return false
}

func (s *Scheduler) intervene(id string, status agent.Status, now time.Time, elapsed, limit time.Duration) {
	s.logger.Warn("governance intervention",
		zap.String("agent", id),
		zap.String("status", string(status)),
		zap.Duration("elapsed", elapsed),
		zap.Duration("limit", limit))
	_ = s.store.Dispatch(agent.Log(id, agent.StageGovernance, now,
		"GOVERNANCE_INTERVENTION: agent %s exceeded max continuous execution of %s while %s (ran %s); forcing Failed",
		id, limit, status, elapsed.Truncate(time.Second)))
	_ = s.store.Dispatch(agent.UpdateAgent{ID: id, Patch: agent.AgentPatch{
		Status:        agent.Ptr(agent.StatusFailed),
		Progress:      agent.Ptr(0.0),
		ClearSubTasks: true,
	}})
}

// advanceSubTasks moves each sub-task by a bounded random increment.
func (s *Scheduler) advanceSubTasks(subs []agent.SubTask, complete bool) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	for i := range subs {
		if complete {
			subs[i].Progress = 100
			continue
		}
		inc := 1 + s.rng.Float64()*(s.maxIncrement-1)
		subs[i].Progress = min(100, subs[i].Progress+inc)
	}
}

func newSubTasks(names []string) []agent.SubTask {
	subs := make([]agent.SubTask, len(names))
	for i, n := range names {
		subs[i] = agent.SubTask{Name: n}
	}
	return subs
}
