package routing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-router/internal/domain"
	"agent-router/internal/infra/logger"
	"agent-router/internal/usecase/breaker"
	"agent-router/internal/usecase/semantic"
)

// keywordEmbedder maps substrings to fixed vectors so rankings are
// predictable without a real embedding backend.
type keywordEmbedder struct {
	delay time.Duration
}

func (e *keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "review"):
			out[i] = []float32{1, 0}
		case strings.Contains(lower, "test"):
			out[i] = []float32{0, 1}
		default:
			out[i] = []float32{0.5, 0.5}
		}
	}
	return out, nil
}

func (e *keywordEmbedder) Dimensions() int { return 2 }
func (e *keywordEmbedder) Name() string    { return "keyword" }

type routerFixture struct {
	router  *Router
	breaker *breaker.Breaker
}

func newRouterFixture(t *testing.T, cfg Config) *routerFixture {
	t.Helper()
	return newRouterFixtureWithEmbedder(t, cfg, &keywordEmbedder{})
}

func newRouterFixtureWithEmbedder(t *testing.T, cfg Config, embedder domain.EmbeddingProvider) *routerFixture {
	t.Helper()
	log := logger.Discard()

	brk := breaker.New(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, log)
	matcher := semantic.New(semantic.Config{}, embedder, log)

	intents := []domain.AgentIntent{
		{AgentType: "code-reviewer", Description: "review code for problems", Examples: []string{"review this PR"}},
		{AgentType: "test-runner", Description: "run test suites", Examples: []string{"run the tests"}},
	}
	require.NoError(t, matcher.RegisterAgents(context.Background(), intents))

	return &routerFixture{
		router:  New(cfg, brk, matcher, log),
		breaker: brk,
	}
}

func tripCircuit(brk *breaker.Breaker, agentID string) {
	brk.RecordFailure(agentID)
	brk.RecordFailure(agentID)
}

func TestRoutePreferredAgent(t *testing.T) {
	f := newRouterFixture(t, Config{})

	res, err := f.router.Route(context.Background(), domain.RouteRequest{
		PreferredAgent: "code-reviewer",
		FallbackAgents: []string{"test-runner"},
	})
	require.NoError(t, err)

	assert.Equal(t, "code-reviewer", res.SelectedAgent)
	assert.Equal(t, domain.CircuitClosed, res.CircuitState)
	assert.False(t, res.FallbackUsed)
	assert.NotEmpty(t, res.Metrics.DecisionID)
	require.NotNil(t, res.Uncertainty)
	assert.InDelta(t, 1-*res.Uncertainty, res.Confidence, 1e-9)
}

func TestRoutePreferredFallsBackWhenOpen(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tripCircuit(f.breaker, "code-reviewer")

	res, err := f.router.Route(context.Background(), domain.RouteRequest{
		PreferredAgent: "code-reviewer",
		FallbackAgents: []string{"test-runner"},
	})
	require.NoError(t, err)

	assert.Equal(t, "test-runner", res.SelectedAgent)
	assert.True(t, res.FallbackUsed)
}

func TestRouteSemanticTopChoice(t *testing.T) {
	f := newRouterFixture(t, Config{})

	res, err := f.router.Route(context.Background(), domain.RouteRequest{
		TaskDescription: "please review my latest changes",
	})
	require.NoError(t, err)

	assert.Equal(t, "code-reviewer", res.SelectedAgent)
	assert.False(t, res.FallbackUsed)
}

func TestRouteSemanticSkipsOpenCircuit(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tripCircuit(f.breaker, "code-reviewer")

	res, err := f.router.Route(context.Background(), domain.RouteRequest{
		TaskDescription: "please review my latest changes",
	})
	require.NoError(t, err)

	assert.Equal(t, "test-runner", res.SelectedAgent)
	assert.True(t, res.FallbackUsed, "selection below the semantic top choice is a fallback")
}

func TestRouteExhaustion(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tripCircuit(f.breaker, "code-reviewer")
	tripCircuit(f.breaker, "test-runner")

	_, err := f.router.Route(context.Background(), domain.RouteRequest{
		TaskDescription: "please review my latest changes",
	})
	require.ErrorIs(t, err, domain.ErrNoAvailableAgent)

	m := f.router.Metrics()
	assert.Equal(t, uint64(1), m.Exhausted)
}

func TestRouteTimeout(t *testing.T) {
	f := newRouterFixtureWithEmbedder(t, Config{}, &keywordEmbedder{delay: time.Second})

	start := time.Now()
	_, err := f.router.Route(context.Background(), domain.RouteRequest{
		TaskDescription: "review something",
		Timeout:         30 * time.Millisecond,
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	m := f.router.Metrics()
	assert.Equal(t, uint64(1), m.Timeouts)
}

func TestRouteUncertaintyDisabled(t *testing.T) {
	disabled := false
	f := newRouterFixture(t, Config{EnableUncertainty: &disabled})

	res, err := f.router.Route(context.Background(), domain.RouteRequest{
		PreferredAgent: "code-reviewer",
	})
	require.NoError(t, err)

	assert.Nil(t, res.Uncertainty)
	// Closed circuit with no history: state constant scaled by availability 1.0.
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestRouteUncertaintyRisesWithFailures(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	before, err := f.router.Route(ctx, domain.RouteRequest{PreferredAgent: "code-reviewer"})
	require.NoError(t, err)

	f.router.RecordFailure("code-reviewer") // one failure, below the threshold

	after, err := f.router.Route(ctx, domain.RouteRequest{PreferredAgent: "code-reviewer"})
	require.NoError(t, err)

	require.NotNil(t, before.Uncertainty)
	require.NotNil(t, after.Uncertainty)
	assert.Greater(t, *after.Uncertainty, *before.Uncertainty)
}

func TestRouteWithoutMatcherRequiresPreferred(t *testing.T) {
	log := logger.Discard()
	brk := breaker.New(breaker.Config{}, log)
	r := New(Config{}, brk, nil, log)

	_, err := r.Route(context.Background(), domain.RouteRequest{
		TaskDescription: "anything",
	})
	require.ErrorIs(t, err, domain.ErrNoAgentsRegistered)

	res, err := r.Route(context.Background(), domain.RouteRequest{
		PreferredAgent: "solo-agent",
	})
	require.NoError(t, err)
	assert.Equal(t, "solo-agent", res.SelectedAgent)
}

func TestMetricsCounters(t *testing.T) {
	f := newRouterFixture(t, Config{})
	ctx := context.Background()

	_, err := f.router.Route(ctx, domain.RouteRequest{PreferredAgent: "code-reviewer"})
	require.NoError(t, err)
	_, err = f.router.Route(ctx, domain.RouteRequest{TaskDescription: "run the tests"})
	require.NoError(t, err)

	tripCircuit(f.breaker, "code-reviewer")
	res, err := f.router.Route(ctx, domain.RouteRequest{
		PreferredAgent: "code-reviewer",
		FallbackAgents: []string{"test-runner"},
	})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)

	m := f.router.Metrics()
	assert.Equal(t, uint64(3), m.TotalRoutes)
	assert.Equal(t, uint64(2), m.PreferredRoutes)
	assert.Equal(t, uint64(1), m.SemanticRoutes)
	assert.Equal(t, uint64(1), m.FallbacksUsed)
	assert.Greater(t, m.LastRoutingTime, time.Duration(0))
}

func TestHealthDelegation(t *testing.T) {
	f := newRouterFixture(t, Config{})

	f.router.RecordSuccess("code-reviewer")
	f.router.RecordFailure("code-reviewer")

	assert.Equal(t, domain.CircuitClosed, f.router.CircuitState("code-reviewer"))

	health := f.router.AgentHealth()
	require.Len(t, health, 1)
	assert.Equal(t, "code-reviewer", health[0].AgentID)
	assert.Equal(t, 1, health[0].SuccessCount)
	assert.Equal(t, 1, health[0].FailureCount)

	f.router.ResetCircuit("code-reviewer")
	health = f.router.AgentHealth()
	require.Len(t, health, 1)
	assert.Zero(t, health[0].FailureCount)
	assert.Zero(t, health[0].SuccessCount)
}

func TestDetectMultiIntentDelegation(t *testing.T) {
	f := newRouterFixture(t, Config{})

	res, err := f.router.DetectMultiIntent(context.Background(),
		"Review the code and then run the tests", 0.6)
	require.NoError(t, err)
	require.Len(t, res.Intents, 2)
	assert.Equal(t, "code-reviewer", res.Intents[0].AgentType)
	assert.Equal(t, "test-runner", res.Intents[1].AgentType)
	assert.True(t, res.RequiresMultiAgent)
}

func TestUpdateConfigDelegation(t *testing.T) {
	f := newRouterFixture(t, Config{})

	bad := -1
	err := f.router.UpdateConfig(breaker.ConfigUpdate{FailureThreshold: &bad})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	good := 10
	require.NoError(t, f.router.UpdateConfig(breaker.ConfigUpdate{FailureThreshold: &good}))
}
