package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind classifies an alert.
type Kind string

const (
	KindGovernanceIntervention Kind = "governance_intervention"
	KindAnomaly                Kind = "anomaly"
	KindFailedAttempts         Kind = "failed_attempts_exceeded"
	KindResponderFailure       Kind = "responder_failure"
)

// Alert is an audit entry worth telling a human about.
type Alert struct {
	Kind    Kind      `json:"kind"`
	AgentID string    `json:"agent_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Text renders the alert as a single chat line.
func (a Alert) Text() string {
	return fmt.Sprintf("[%s] agent %s: %s", a.Kind, a.AgentID, a.Message)
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

var agentRe = regexp.MustCompile(`agent=(\S+)`)

// Classify maps an audit entry to an alert. Routine entries return false.
func Classify(e agent.LogEntry) (Alert, bool) {
	var kind Kind
	switch {
	case strings.Contains(e.Message, "GOVERNANCE_INTERVENTION"):
		kind = KindGovernanceIntervention
	case strings.HasPrefix(e.Message, "ANOMALY "):
		kind = KindAnomaly
	case strings.HasPrefix(e.Message, "FAILED_ATTEMPTS_EXCEEDED "):
		kind = KindFailedAttempts
	case strings.HasPrefix(e.Message, "CHAT_RESPONDER_FAILURE "):
		kind = KindResponderFailure
	default:
		return Alert{}, false
	}
	a := Alert{Kind: kind, Message: e.Message, At: e.Timestamp}
	if m := agentRe.FindStringSubmatch(e.Message); m != nil {
		a.AgentID = m[1]
	}
	return a, true
}

// Dispatcher watches the audit trail and fans alerts out to every sink.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Alert
	timeout time.Duration
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(sinks []Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Alert, 64),
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// Observe is a store observer. Entries written straight to the
// diagnostics stream are considered alongside derived ones.
func (d *Dispatcher) Observe(c store.Change) {
	entries := c.Audit
	if l, ok := c.Action.(agent.AddLog); ok && l.AgentID == c.Next.DiagnosticsID {
		entries = append(entries[:len(entries):len(entries)], l.Entry)
	}
	for _, e := range entries {
		a, ok := Classify(e)
		if !ok {
			continue
		}
		select {
		case d.queue <- a:
		default:
			d.logger.Warn("alert queue full, dropping", zap.String("kind", string(a.Kind)))
		}
	}
}

// Run delivers queued alerts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-d.queue:
			if err := d.deliver(ctx, a); err != nil && ctx.Err() == nil {
				d.logger.Warn("alert delivery failed", zap.String("kind", string(a.Kind)), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.sinks {
		g.Go(func() error {
			if err := s.Notify(gctx, a); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
