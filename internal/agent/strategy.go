package agent

import (
	"fmt"
	"time"
)

// StepType tags a strategy step.
type StepType string

const (
	StepIngestData       StepType = "IngestData"
	StepEvolve           StepType = "Evolve"
	StepCertify          StepType = "Certify"
	StepDeploy           StepType = "Deploy"
	StepOptimize         StepType = "Optimize"
	StepResearchMarket   StepType = "ResearchMarket"
	StepGenerateConcepts StepType = "GenerateConcepts"
	StepRefineIdentity   StepType = "RefineIdentity"
	StepOrchestrate      StepType = "Orchestrate"
	StepMonitorAndRefine StepType = "MonitorAndRefine"
)

// StepConfig is the step-specific configuration. Which fields matter
// depends on the step type.
type StepConfig struct {
	TargetDataPoints int    `json:"target_data_points,omitempty" yaml:"target_data_points"`
	Generations      int    `json:"generations,omitempty" yaml:"generations"`
	Task             string `json:"task,omitempty" yaml:"task"`
	DurationMS       int    `json:"duration_ms,omitempty" yaml:"duration_ms"`
}

// StrategyStep is one declarative phase of a strategy.
type StrategyStep struct {
	Type   StepType   `json:"type" yaml:"type"`
	Config StepConfig `json:"config" yaml:"config"`
}

// Strategy is immutable reference data; agents only hold an index into
// its steps.
type Strategy struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name" yaml:"name"`
	Steps []StrategyStep `json:"steps" yaml:"steps"`
}

// ExpectedStatus maps a step type to the status an agent should hold
// while executing it.
func ExpectedStatus(t StepType) (Status, error) {
	switch t {
	case StepIngestData, StepEvolve:
		return StatusEvolving, nil
	case StepCertify:
		return StatusCertifying, nil
	case StepDeploy:
		return StatusDeploying, nil
	case StepOptimize:
		return StatusOptimizing, nil
	case StepResearchMarket, StepGenerateConcepts, StepRefineIdentity,
		StepOrchestrate, StepMonitorAndRefine:
		return StatusExecutingStrategy, nil
	default:
		return "", fmt.Errorf("unknown strategy step type %q", t)
	}
}

// DurationUnits controls how step durations are derived from config.
type DurationUnits struct {
	Default       time.Duration
	PerGeneration time.Duration
	PerDataPoint  time.Duration
}

// StepDuration derives how long a step's scheduled task runs. An
// explicit duration wins, then generations, then data points, then the
// default.
func StepDuration(step StrategyStep, u DurationUnits) time.Duration {
	switch {
	case step.Config.DurationMS > 0:
		return time.Duration(step.Config.DurationMS) * time.Millisecond
	case step.Config.Generations > 0 && u.PerGeneration > 0:
		return time.Duration(step.Config.Generations) * u.PerGeneration
	case step.Config.TargetDataPoints > 0 && u.PerDataPoint > 0:
		return time.Duration(step.Config.TargetDataPoints) * u.PerDataPoint
	default:
		return u.Default
	}
}

// StepSubTasks names the simulated parallel work for a step type.
func StepSubTasks(t StepType) []string {
	switch t {
	case StepIngestData:
		return []string{"fetch", "normalize", "index"}
	case StepEvolve:
		return []string{"mutate", "evaluate", "select"}
	case StepCertify:
		return []string{"safety-suite", "benchmark"}
	case StepDeploy:
		return []string{"package", "rollout"}
	case StepOptimize:
		return []string{"profile", "tune"}
	default:
		return []string{"plan", "execute", "review"}
	}
}

// PhaseSubTasks names the simulated parallel work for a manual phase.
func PhaseSubTasks(s Status) []string {
	switch s {
	case StatusEvolving, StatusReEvolving, StatusAutoEvolving:
		return StepSubTasks(StepEvolve)
	case StatusCertifying:
		return StepSubTasks(StepCertify)
	case StatusDeploying:
		return StepSubTasks(StepDeploy)
	case StatusOptimizing:
		return StepSubTasks(StepOptimize)
	default:
		return StepSubTasks(StepOrchestrate)
	}
}
