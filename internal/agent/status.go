package agent

import "fmt"

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusConception          Status = "Conception"
	StatusEvolving            Status = "Evolving"
	StatusCertifying          Status = "Certifying"
	StatusCertified           Status = "Certified"
	StatusDeploying           Status = "Deploying"
	StatusLive                Status = "Live"
	StatusOptimizing          Status = "Optimizing"
	StatusOptimized           Status = "Optimized"
	StatusAwaitingReEvolution Status = "AwaitingReEvolution"
	StatusReEvolving          Status = "ReEvolving"
	StatusExecutingStrategy   Status = "ExecutingStrategy"
	StatusAutoEvolving        Status = "AutoEvolving"
	StatusFailed              Status = "Failed"
)

// AllStatuses returns every defined status.
func AllStatuses() []Status {
	return []Status{
		StatusConception,
		StatusEvolving,
		StatusCertifying,
		StatusCertified,
		StatusDeploying,
		StatusLive,
		StatusOptimizing,
		StatusOptimized,
		StatusAwaitingReEvolution,
		StatusReEvolving,
		StatusExecutingStrategy,
		StatusAutoEvolving,
		StatusFailed,
	}
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusConception, StatusEvolving, StatusCertifying, StatusCertified,
		StatusDeploying, StatusLive, StatusOptimizing, StatusOptimized,
		StatusAwaitingReEvolution, StatusReEvolving, StatusExecutingStrategy,
		StatusAutoEvolving, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is an active-processing status, i.e. one
// that has a scheduled task behind it.
func (s Status) IsActive() bool {
	switch s {
	case StatusEvolving, StatusCertifying, StatusDeploying, StatusOptimizing,
		StatusReEvolving, StatusExecutingStrategy, StatusAutoEvolving:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// PhaseCompletion returns the status an active manual phase settles
// into once its scheduled task reaches 100%.
func PhaseCompletion(s Status) (Status, error) {
	switch s {
	case StatusEvolving:
		return StatusCertifying, nil
	case StatusCertifying:
		return StatusCertified, nil
	case StatusDeploying, StatusExecutingStrategy:
		return StatusLive, nil
	case StatusOptimizing, StatusReEvolving, StatusAutoEvolving:
		return StatusOptimized, nil
	case StatusConception, StatusCertified, StatusLive, StatusOptimized,
		StatusAwaitingReEvolution, StatusFailed:
		return "", fmt.Errorf("%w: %s is not an active phase", ErrInvalidTransition, s)
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
	}
}

// transitions lists the manually triggerable edges of the lifecycle.
// Failed is reachable from anywhere and handled separately.
var transitions = map[Status][]Status{
	StatusConception:          {StatusEvolving},
	StatusEvolving:            {StatusCertifying},
	StatusCertifying:          {StatusCertified},
	StatusCertified:           {StatusDeploying},
	StatusDeploying:           {StatusLive},
	StatusLive:                {StatusOptimizing, StatusAwaitingReEvolution, StatusAutoEvolving},
	StatusOptimizing:          {StatusOptimized},
	StatusOptimized:           {StatusAwaitingReEvolution, StatusAutoEvolving},
	StatusAwaitingReEvolution: {StatusReEvolving},
	StatusReEvolving:          {StatusOptimized},
	StatusAutoEvolving:        {StatusOptimized},
	StatusExecutingStrategy:   {StatusLive},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
