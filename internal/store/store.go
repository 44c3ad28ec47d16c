package store

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"go.uber.org/zap"
)

// Change describes one applied action.
type Change struct {
	Action agent.Action
	Prev   agent.State
	Next   agent.State
	Audit  []agent.LogEntry // diagnostics entries derived for this action
	At     time.Time
}

// Observer is called synchronously, in apply order, after every
// successful dispatch. Observers must not call back into the Store.
type Observer func(Change)

// Store owns the authoritative snapshot. The only way to change it is
// Dispatch, which runs the reducer and the audit pass and publishes the
// result atomically.
type Store struct {
	state     agent.State
	clock     clockwork.Clock
	subs      map[int]chan struct{}
	nextSub   int
	observers []Observer
	mu        sync.RWMutex
	logger    *zap.Logger
}

// New creates a store seeded with initial.
func New(initial agent.State, clock clockwork.Clock, logger *zap.Logger) *Store {
	if initial.Logs == nil {
		initial.Logs = map[string][]agent.LogEntry{}
	}
	return &Store{
		state:  initial,
		clock:  clock,
		subs:   make(map[int]chan struct{}),
		logger: logger,
	}
}

// Dispatch applies a to the current snapshot. Rejected actions leave the
// snapshot untouched and are logged.
func (s *Store) Dispatch(a agent.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.clock.Now()
	prev := s.state
	next, err := agent.Reduce(prev, a, at)
	if err != nil {
		if errors.Is(err, agent.ErrUnknownAction) {
			s.logger.Warn("unknown action rejected", zap.Error(err))
		} else {
			s.logger.Warn("action rejected",
				zap.String("action", actionName(a)),
				zap.Error(err))
		}
		return err
	}
	next, derived := agent.Audit(prev, a, next, at)
	s.state = next

	change := Change{Action: a, Prev: prev, Next: next, Audit: derived, At: at}
	for _, o := range s.observers {
		o(change)
	}
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// DispatchJSON decodes an action in wire form and dispatches it.
func (s *Store) DispatchJSON(data []byte) error {
	a, err := agent.DecodeAction(data)
	if err != nil {
		s.logger.Warn("malformed action rejected", zap.Error(err))
		return err
	}
	return s.Dispatch(a)
}

// Snapshot returns the current state. The returned value must be treated
// as read-only.
func (s *Store) Snapshot() agent.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce: a slow reader sees one pending signal, then reads the
// latest snapshot. Call the returned func to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Observe registers an observer for every subsequent change.
func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Agent looks up an agent by id. The result is a copy.
func (s *Store) Agent(id string) (agent.Agent, bool) {
	a, ok := s.Snapshot().FindAgent(id)
	return a.Clone(), ok
}

// Strategy looks up a strategy by id.
func (s *Store) Strategy(id string) (agent.Strategy, bool) {
	return s.Snapshot().FindStrategy(id)
}

// Webhook looks up a webhook by id.
func (s *Store) Webhook(id string) (agent.Webhook, bool) {
	return s.Snapshot().FindWebhook(id)
}

// DeploymentsFor lists an agent's deployments.
func (s *Store) DeploymentsFor(agentID string) []agent.Deployment {
	return s.Snapshot().DeploymentsFor(agentID)
}

// LogsFor returns an agent's log stream, most recent first.
func (s *Store) LogsFor(agentID string) []agent.LogEntry {
	return s.Snapshot().LogsFor(agentID)
}

// AuditLog returns the diagnostics trail, most recent first.
func (s *Store) AuditLog() []agent.LogEntry {
	st := s.Snapshot()
	return st.LogsFor(st.DiagnosticsID)
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

func actionName(a agent.Action) string {
	if a == nil {
		return "<nil>"
	}
	return string(a.Type())
}
