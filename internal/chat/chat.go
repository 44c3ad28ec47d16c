package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaskToken replaces filtered terms in responses.
const MaskToken = "[MASKED]"

var (
	// ErrRateLimited marks a message refused by the agent's rate limit.
	ErrRateLimited = errors.New("chat rate limit exceeded")
	// ErrResponderFault wraps errors and panics from the responder.
	ErrResponderFault = errors.New("responder failed")
)

// ThinkStep is one line of narration emitted while a responder works.
type ThinkStep struct {
	Message string `json:"message"`
}

// Attachment is a file handed to the responder with the user's text.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Input is everything a responder may look at. Dispatch applies actions
// to the store; responders should prefer proposing governance actions.
type Input struct {
	AgentID     string
	Text        string
	Attachments []Attachment
	Agents      []agent.Agent
	Engines     []agent.Engine
	Dispatch    func(agent.Action) error
}

// Response is a responder's answer.
type Response struct {
	Text                      string
	IsError                   bool
	ActivatedEngineID         string
	UsedModelType             string
	GroundingURLs             []string
	ProposedGovernanceActions []agent.GovernanceAction

	// Err is the cause of an error-flagged response.
	Err error
}

// Responder produces a reply for an agent. Steps may be sent on steps
// until Respond returns, never after.
type Responder interface {
	Respond(ctx context.Context, in Input, steps chan<- ThinkStep) (*Response, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, in Input, steps chan<- ThinkStep) (*Response, error)

func (f ResponderFunc) Respond(ctx context.Context, in Input, steps chan<- ThinkStep) (*Response, error) {
	return f(ctx, in, steps)
}

// Request is a user message addressed to an agent.
type Request struct {
	AgentID     string
	Text        string
	Attachments []Attachment
}

// Call is an in-flight chat exchange. Steps is closed before the result
// becomes available through Wait.
type Call struct {
	steps chan ThinkStep
	done  chan struct{}
	resp  *Response
}

func newCall() *Call {
	return &Call{steps: make(chan ThinkStep, 64), done: make(chan struct{})}
}

// Steps streams think-step narration. Steps are dropped rather than
// blocking the responder when the caller does not drain the channel.
func (c *Call) Steps() <-chan ThinkStep { return c.steps }

// Done is closed once the response is ready.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the response is ready or ctx is done.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) finish(resp *Response) {
	c.resp = resp
	close(c.steps)
	close(c.done)
}

// Service is the boundary between the lifecycle core and a Responder.
// Whatever the responder does, the caller gets a Response and the store
// stays consistent.
type Service struct {
	store     *store.Store
	responder Responder
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*limiter
}

type limiter struct {
	perMinute int
	*rate.Limiter
}

// NewService creates a chat service over st.
func NewService(st *store.Store, responder Responder, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		responder: responder,
		logger:    logger,
		limiters:  make(map[string]*limiter),
	}
}

// Respond starts an exchange and returns immediately.
func (s *Service) Respond(ctx context.Context, req Request) *Call {
	call := newCall()

	a, ok := s.store.Agent(req.AgentID)
	if !ok {
		call.finish(errorResponse(fmt.Errorf("%w: %s", agent.ErrAgentNotFound, req.AgentID),
			fmt.Sprintf("Agent %s not found.", req.AgentID)))
		return call
	}
	if !s.allow(a) {
		s.dispatch(agent.Log(a.ID, agent.StageGovernance, s.store.Now(),
			"Chat rate limit of %d/min exceeded", a.Governance.RateLimitPerMinute))
		call.finish(errorResponse(ErrRateLimited, fmt.Sprintf("Rate limit exceeded: %s accepts %d messages per minute.",
			a.Name, a.Governance.RateLimitPerMinute)))
		return call
	}

	go s.run(ctx, call, a, req)
	return call
}

func (s *Service) run(ctx context.Context, call *Call, a agent.Agent, req Request) {
	snap := s.store.Snapshot()
	in := Input{
		AgentID:     a.ID,
		Text:        req.Text,
		Attachments: req.Attachments,
		Agents:      snap.Agents,
		Engines:     snap.Engines,
		Dispatch:    s.store.Dispatch,
	}

	raw := make(chan ThinkStep)
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for st := range raw {
			if a.Governance.RealtimeFeedback {
				s.dispatch(agent.Log(a.ID, agent.StageThinkingProcess, s.store.Now(), "%s", st.Message))
			}
			select {
			case call.steps <- st:
			default:
			}
		}
	}()

	resp, err := s.invoke(ctx, in, raw)
	close(raw)
	<-relayed

	if err != nil || resp == nil {
		if err == nil {
			err = fmt.Errorf("responder returned no response")
		}
		s.logger.Warn("chat responder failed", zap.String("agent", a.ID), zap.Error(err))
		s.dispatch(agent.Log(snap.DiagnosticsID, agent.StageDiagnostics, s.store.Now(),
			"CHAT_RESPONDER_FAILURE agent=%s error=%q", a.ID, err.Error()))
		call.finish(errorResponse(fmt.Errorf("%w: %w", ErrResponderFault, err),
			"The assistant could not answer: "+err.Error()))
		return
	}

	out := *resp
	if cur, ok := s.store.Agent(a.ID); ok {
		out.Text = Mask(out.Text, cur.Governance.OutputContentFilters)
	}
	for _, g := range out.ProposedGovernanceActions {
		if g == nil {
			continue
		}
		if err := s.store.Dispatch(agent.ApplyGovernanceAction{Action: g}); err != nil {
			s.logger.Warn("proposed governance action rejected",
				zap.String("agent", a.ID), zap.String("kind", string(g.Kind())), zap.Error(err))
		}
	}
	call.finish(&out)
}

// invoke calls the responder and turns a panic into an error.
func (s *Service) invoke(ctx context.Context, in Input, steps chan<- ThinkStep) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("responder panic: %v", r)
		}
	}()
	return s.responder.Respond(ctx, in, steps)
}

// allow applies the agent's per-minute rate limit. Zero means unlimited.
func (s *Service) allow(a agent.Agent) bool {
	n := a.Governance.RateLimitPerMinute
	if n <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[a.ID]
	if !ok || l.perMinute != n {
		l = &limiter{perMinute: n, Limiter: rate.NewLimiter(rate.Limit(float64(n)/60), n)}
		s.limiters[a.ID] = l
	}
	return l.AllowN(s.store.Now(), 1)
}

func (s *Service) dispatch(a agent.Action) {
	if err := s.store.Dispatch(a); err != nil {
		s.logger.Warn("chat dispatch failed", zap.String("action", string(a.Type())), zap.Error(err))
	}
}

// Mask replaces every case-insensitive occurrence of each filter term.
func Mask(text string, filters []string) string {
	for _, f := range filters {
		if f == "" {
			continue
		}
		re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(f))
		text = re.ReplaceAllLiteralString(text, MaskToken)
	}
	return text
}

func errorResponse(err error, text string) *Response {
	return &Response{Text: text, IsError: true, Err: err}
}
