package agent

import (
	"slices"
	"time"
)

// Stage tags a log entry with the part of the lifecycle that wrote it.
type Stage string

const (
	StageConception          Stage = "Conception"
	StageInfo                Stage = "Info"
	StageStrategy            Stage = "Strategy"
	StageDiagnostics         Stage = "Diagnostics"
	StageOrchestration       Stage = "Orchestration"
	StageDevelopmentStrategy Stage = "DevelopmentStrategy"
	StageThinkingProcess     Stage = "ThinkingProcess"
	StageGovernance          Stage = "Governance"
	StageDeployment          Stage = "Deployment"
	StageDataIngestion       Stage = "DataIngestion"
)

// LogEntry is one line of an agent's log stream.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
}

// DefaultMaxLogEntries bounds each agent's log stream.
const DefaultMaxLogEntries = 500

// State is one immutable snapshot of everything the store owns. Slices
// and maps reachable from a State are never modified after the State is
// published; the reducer always builds replacements.
type State struct {
	Agents        []Agent               `json:"agents"`
	Strategies    []Strategy            `json:"strategies"`
	Deployments   []Deployment          `json:"deployments"`
	Webhooks      []Webhook             `json:"webhooks"`
	Engines       []Engine              `json:"engines"`
	Logs          map[string][]LogEntry `json:"logs"`
	DiagnosticsID string                `json:"diagnostics_id"`
	MaxLogEntries int                   `json:"-"`
}

// NewState returns an empty snapshot whose audit trail is attributed to
// diagnosticsID. The diagnostics agent itself is created in Live status.
func NewState(diagnosticsID string, createdAt time.Time) State {
	return State{
		Agents: []Agent{{
			ID:        diagnosticsID,
			Name:      "Diagnostics",
			Objective: "Audit trail of every significant lifecycle mutation",
			Category:  CategoryDiagnostics,
			Status:    StatusLive,
			Progress:  100,
			CreatedAt: createdAt,
		}},
		Logs:          map[string][]LogEntry{},
		DiagnosticsID: diagnosticsID,
		MaxLogEntries: DefaultMaxLogEntries,
	}
}

// FindAgent returns the agent with the given id.
func (s State) FindAgent(id string) (Agent, bool) {
	i := s.agentIndex(id)
	if i < 0 {
		return Agent{}, false
	}
	return s.Agents[i], true
}

// FindStrategy returns the strategy with the given id.
func (s State) FindStrategy(id string) (Strategy, bool) {
	for _, st := range s.Strategies {
		if st.ID == id {
			return st, true
		}
	}
	return Strategy{}, false
}

// FindWebhook returns the webhook with the given id.
func (s State) FindWebhook(id string) (Webhook, bool) {
	for _, w := range s.Webhooks {
		if w.ID == id {
			return w, true
		}
	}
	return Webhook{}, false
}

// DeploymentsFor lists the deployments recorded for an agent.
func (s State) DeploymentsFor(agentID string) []Deployment {
	var out []Deployment
	for _, d := range s.Deployments {
		if d.AgentID == agentID {
			out = append(out, d)
		}
	}
	return out
}

// LogsFor returns a copy of an agent's log stream, most recent first.
func (s State) LogsFor(agentID string) []LogEntry {
	return slices.Clone(s.Logs[agentID])
}

func (s State) agentIndex(id string) int {
	return slices.IndexFunc(s.Agents, func(a Agent) bool { return a.ID == id })
}

// withAgent returns a copy of s whose agent slice holds a replaced agent
// at index i.
func (s State) withAgent(i int, a Agent) State {
	agents := slices.Clone(s.Agents)
	agents[i] = a
	s.Agents = agents
	return s
}

// withLog returns a copy of s with entry prepended to agentID's stream.
func (s State) withLog(agentID string, entry LogEntry) State {
	limit := s.MaxLogEntries
	if limit <= 0 {
		limit = DefaultMaxLogEntries
	}
	prev := s.Logs[agentID]
	n := min(len(prev)+1, limit)
	stream := make([]LogEntry, 0, n)
	stream = append(stream, entry)
	stream = append(stream, prev[:n-1]...)

	logs := make(map[string][]LogEntry, len(s.Logs)+1)
	for k, v := range s.Logs {
		logs[k] = v
	}
	logs[agentID] = stream
	s.Logs = logs
	return s
}
