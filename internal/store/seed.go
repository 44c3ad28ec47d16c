package store

import (
	"fmt"
	"os"
	"time"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"gopkg.in/yaml.v3"
)

// Seed is the initial reference data the in-memory state is rebuilt from.
type Seed struct {
	Agents     []agent.Agent    `yaml:"agents"`
	Strategies []agent.Strategy `yaml:"strategies"`
	Webhooks   []agent.Webhook  `yaml:"webhooks"`
	Engines    []agent.Engine   `yaml:"engines"`
}

// SeedOptions names the dedicated agents every state must contain.
type SeedOptions struct {
	DiagnosticsID  string
	OrchestratorID string
	MaxLogEntries  int
	Now            time.Time
}

// LoadSeed reads a YAML seed file. A missing path yields an empty seed.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	sd, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return sd, nil
}

// ParseSeed decodes YAML seed data.
func ParseSeed(data []byte) (*Seed, error) {
	var sd Seed
	if err := yaml.Unmarshal(data, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// State builds the initial snapshot. Agents go through the reducer so the
// seed is held to the same invariants as runtime creation.
func (sd *Seed) State(opts SeedOptions) (agent.State, error) {
	if opts.DiagnosticsID == "" {
		return agent.State{}, fmt.Errorf("seed: diagnostics agent id is required")
	}
	st := agent.NewState(opts.DiagnosticsID, opts.Now)
	if opts.MaxLogEntries > 0 {
		st.MaxLogEntries = opts.MaxLogEntries
	}
	st.Strategies = append(st.Strategies, sd.Strategies...)
	st.Webhooks = append(st.Webhooks, sd.Webhooks...)
	st.Engines = append(st.Engines, sd.Engines...)

	agents := sd.Agents
	if opts.OrchestratorID != "" && !seedHas(agents, opts.OrchestratorID) {
		agents = append(agents, agent.Agent{
			ID:        opts.OrchestratorID,
			Name:      "Orchestrator",
			Objective: "Run orchestration tasks delivered by webhooks",
			Category:  agent.CategoryOrchestrator,
			Status:    agent.StatusLive,
			Progress:  100,
		})
	}
	for _, a := range agents {
		if a.ID == opts.DiagnosticsID {
			continue
		}
		act := agent.CreateAgent{Agent: a}
		next, err := agent.Reduce(st, act, opts.Now)
		if err != nil {
			return agent.State{}, fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
		st, _ = agent.Audit(st, act, next, opts.Now)
	}
	return st, nil
}

func seedHas(agents []agent.Agent, id string) bool {
	for _, a := range agents {
		if a.ID == id {
			return true
		}
	}
	return false
}
