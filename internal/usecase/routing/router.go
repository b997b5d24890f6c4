// Package routing composes the semantic matcher and the circuit breaker
// into a single routing decision layer: the matcher proposes candidates,
// the breaker filters them for availability, and the estimator grades the
// decision's uncertainty.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"agent-router/internal/domain"
	"agent-router/internal/infra/tracer"
	"agent-router/internal/usecase/breaker"
	"agent-router/internal/usecase/semantic"
)

// DefaultRequestTimeout bounds a route call, embedding included.
const DefaultRequestTimeout = 5 * time.Second

// Config holds orchestrator settings.
type Config struct {
	// RequestTimeout is the default per-call deadline when the request
	// carries none.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// EnableUncertainty toggles uncertainty estimation. Nil means enabled.
	EnableUncertainty *bool             `yaml:"enable_uncertainty,omitempty"`
	Uncertainty       UncertaintyConfig `yaml:"uncertainty"`
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.EnableUncertainty == nil {
		enabled := true
		c.EnableUncertainty = &enabled
	}
	return c
}

// Router is the routing orchestrator. It owns no persistent state of its
// own; it delegates health tracking to the breaker and candidate ranking
// to the matcher per call.
type Router struct {
	cfg       Config
	breaker   *breaker.Breaker
	matcher   *semantic.Matcher // nil disables semantic routing
	estimator *Estimator
	logger    *slog.Logger

	totalRoutes     atomic.Uint64
	semanticRoutes  atomic.Uint64
	preferredRoutes atomic.Uint64
	fallbacksUsed   atomic.Uint64
	exhausted       atomic.Uint64
	timeouts        atomic.Uint64
	lastRoutingNs   atomic.Int64
}

// New creates a Router. The matcher may be nil, in which case every
// request must carry a preferred agent.
func New(cfg Config, brk *breaker.Breaker, matcher *semantic.Matcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Router{
		cfg:       cfg,
		breaker:   brk,
		matcher:   matcher,
		estimator: NewEstimator(cfg.Uncertainty),
		logger:    logger,
	}
}

// Route produces a routing decision for the request.
//
// With a preferred agent, only circuit health is consulted: the preferred
// agent first, then the fallback chain in order. Without one, the matcher
// ranks candidates semantically and the breaker filters that ranked list,
// marking fallbackUsed when the selection is not the semantic top choice.
//
// A single open circuit degrades to fallback; only exhaustion of the whole
// candidate set fails, with ErrNoAvailableAgent. A call that exceeds its
// timeout fails with ErrTimeout and records no health side effects.
func (r *Router) Route(ctx context.Context, req domain.RouteRequest) (*domain.RouteResult, error) {
	start := time.Now()

	ctx, span := tracer.StartSpan(ctx, "router.route")
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.totalRoutes.Add(1)

	var (
		res *domain.RouteResult
		err error
	)
	if req.PreferredAgent != "" {
		r.preferredRoutes.Add(1)
		res, err = r.breaker.Route(req)
	} else {
		r.semanticRoutes.Add(1)
		res, err = r.routeSemantic(ctx, req)
	}
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			r.timeouts.Add(1)
			err = domain.NewDomainError("Router.Route", domain.ErrTimeout,
				"embedding did not complete within "+timeout.String())
		case errors.Is(err, domain.ErrNoAvailableAgent):
			r.exhausted.Add(1)
		}
		tracer.RecordError(span, err)
		return nil, err
	}

	r.finalize(res, start)

	if res.FallbackUsed {
		r.fallbacksUsed.Add(1)
	}
	r.lastRoutingNs.Store(int64(res.Metrics.RoutingTime))

	span.SetAttributes(
		tracer.StringAttr("routing.selected_agent", res.SelectedAgent),
		tracer.StringAttr("routing.circuit_state", res.CircuitState.String()),
		tracer.BoolAttr("routing.fallback_used", res.FallbackUsed),
		tracer.Float64Attr("routing.confidence", res.Confidence),
	)
	tracer.SetOK(span)

	r.logger.Debug("routed task",
		"decision_id", res.Metrics.DecisionID,
		"agent", res.SelectedAgent,
		"circuit_state", res.CircuitState.String(),
		"fallback_used", res.FallbackUsed,
		"confidence", res.Confidence,
		"routing_time", res.Metrics.RoutingTime,
	)
	return res, nil
}

// routeSemantic asks the matcher for a ranked candidate list and returns
// the first candidate whose circuit admits a request.
func (r *Router) routeSemantic(ctx context.Context, req domain.RouteRequest) (*domain.RouteResult, error) {
	if r.matcher == nil {
		return nil, domain.NewDomainError("Router.Route", domain.ErrNoAgentsRegistered,
			"semantic routing is not configured and no preferred agent was given")
	}

	dec, err := r.matcher.Route(ctx, req.TaskDescription, 0)
	if err != nil {
		return nil, err
	}

	for i, match := range dec.Matches {
		if !r.breaker.Allow(match.AgentType) {
			continue
		}
		h := r.breaker.Health(match.AgentType)
		return &domain.RouteResult{
			SelectedAgent: match.AgentType,
			Confidence:    match.Similarity,
			CircuitState:  h.State,
			FallbackUsed:  i > 0,
			Metrics: domain.RouteMetrics{
				FailureCount: h.FailureCount,
				SuccessCount: h.SuccessCount,
			},
		}, nil
	}

	return nil, domain.NewDomainError("Router.Route", domain.ErrNoAvailableAgent,
		"all semantic candidates have open circuits")
}

// finalize stamps the decision ID and timing, and overlays confidence:
// 1 - uncertainty when estimation is enabled, otherwise a circuit-state
// constant scaled by availability.
func (r *Router) finalize(res *domain.RouteResult, start time.Time) {
	h := r.breaker.Health(res.SelectedAgent)

	if *r.cfg.EnableUncertainty {
		u := r.estimator.Estimate(h, time.Now())
		res.Uncertainty = &u
		res.Confidence = 1 - u
	} else {
		res.Confidence = breaker.StateConfidence(h.State, h.Availability)
	}

	res.Metrics.DecisionID = ulid.Make().String()
	res.Metrics.RoutingTime = time.Since(start)
	res.Metrics.FailureCount = h.FailureCount
	res.Metrics.SuccessCount = h.SuccessCount
}

// RegisterAgent registers an intent with the semantic matcher.
func (r *Router) RegisterAgent(ctx context.Context, intent domain.AgentIntent) error {
	if r.matcher == nil {
		return domain.NewDomainError("Router.RegisterAgent", domain.ErrInvalidConfig,
			"semantic routing is not configured")
	}
	return r.matcher.RegisterAgent(ctx, intent)
}

// RegisterAgents registers a batch of intents; each is independent.
func (r *Router) RegisterAgents(ctx context.Context, intents []domain.AgentIntent) error {
	if r.matcher == nil {
		return domain.NewDomainError("Router.RegisterAgents", domain.ErrInvalidConfig,
			"semantic routing is not configured")
	}
	return r.matcher.RegisterAgents(ctx, intents)
}

// DetectMultiIntent exposes the matcher's multi-intent detection.
func (r *Router) DetectMultiIntent(ctx context.Context, taskDescription string, threshold float64) (*semantic.MultiIntentResult, error) {
	if r.matcher == nil {
		return nil, domain.NewDomainError("Router.DetectMultiIntent", domain.ErrInvalidConfig,
			"semantic routing is not configured")
	}
	return r.matcher.DetectMultiIntent(ctx, taskDescription, threshold)
}

// RecordSuccess reports that the selected agent completed its task.
func (r *Router) RecordSuccess(agentID string) { r.breaker.RecordSuccess(agentID) }

// RecordFailure reports that the selected agent failed its task.
func (r *Router) RecordFailure(agentID string) { r.breaker.RecordFailure(agentID) }

// CircuitState returns the circuit state for an agent; unseen agents
// report closed.
func (r *Router) CircuitState(agentID string) domain.CircuitState { return r.breaker.State(agentID) }

// AgentHealth returns health snapshots for all agents seen so far.
func (r *Router) AgentHealth() []domain.HealthSummary { return r.breaker.AgentHealth() }

// ResetCircuit forces an agent's circuit closed and zeroes its counters.
func (r *Router) ResetCircuit(agentID string) { r.breaker.Reset(agentID) }

// UpdateConfig applies a partial breaker configuration change.
func (r *Router) UpdateConfig(u breaker.ConfigUpdate) error { return r.breaker.UpdateConfig(u) }

// Metrics returns a snapshot of aggregate routing activity.
func (r *Router) Metrics() domain.RouterMetrics {
	return domain.RouterMetrics{
		TotalRoutes:     r.totalRoutes.Load(),
		SemanticRoutes:  r.semanticRoutes.Load(),
		PreferredRoutes: r.preferredRoutes.Load(),
		FallbacksUsed:   r.fallbacksUsed.Load(),
		Exhausted:       r.exhausted.Load(),
		Timeouts:        r.timeouts.Load(),
		LastRoutingTime: time.Duration(r.lastRoutingNs.Load()),
	}
}
