package semantic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-router/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockEmbedder maps keyword substrings to fixed vectors, so tests control
// similarity exactly. The first matching keyword wins; unmatched text gets
// the fallback vector.
type mockEmbedder struct {
	keywords []keywordVec
	fallback []float32
	calls    int
	err      error
}

type keywordVec struct {
	keyword string
	vec     []float32
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		out[i] = m.fallback
		for _, kv := range m.keywords {
			if strings.Contains(lower, kv.keyword) {
				out[i] = kv.vec
				break
			}
		}
	}
	return out, nil
}

func (m *mockEmbedder) Dimensions() int { return 2 }
func (m *mockEmbedder) Name() string    { return "mock" }

func axisEmbedder() *mockEmbedder {
	return &mockEmbedder{
		keywords: []keywordVec{
			{"alpha", []float32{1, 0}},
			{"beta", []float32{0, 1}},
			{"gamma", []float32{0.9, 0.1}},
		},
		fallback: []float32{0.5, 0.5},
	}
}

func registerAxisAgents(t *testing.T, m *Matcher) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "a", Description: "alpha work"}))
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "b", Description: "beta work"}))
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "g", Description: "gamma work"}))
}

func TestRouteEmptyRegistry(t *testing.T) {
	m := New(Config{}, axisEmbedder(), testLogger())

	_, err := m.Route(context.Background(), "anything", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoAgentsRegistered)
}

func TestRouteTop1Determinism(t *testing.T) {
	m := New(Config{}, axisEmbedder(), testLogger())
	registerAxisAgents(t, m)

	dec, err := m.Route(context.Background(), "alpha task", 3)
	require.NoError(t, err)

	assert.Equal(t, "a", dec.PrimaryAgent)
	assert.InDelta(t, 1.0, dec.Confidence, 1e-6, "exact alignment scores similarity 1.0")

	// The near-aligned [0.9,0.1] agent ranks above the orthogonal [0,1] one.
	require.Len(t, dec.Alternatives, 2)
	assert.Equal(t, "g", dec.Alternatives[0])
	assert.Equal(t, "b", dec.Alternatives[1])

	require.Len(t, dec.Matches, 3)
	assert.Greater(t, dec.Matches[1].Similarity, dec.Matches[2].Similarity)
}

func TestRouteTieBreakByRegistrationOrder(t *testing.T) {
	emb := &mockEmbedder{
		keywords: []keywordVec{{"task", []float32{1, 0}}},
		fallback: []float32{1, 0}, // every intent embeds identically
	}
	m := New(Config{}, emb, testLogger())

	ctx := context.Background()
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "first", Description: "x"}))
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "second", Description: "y"}))

	dec, err := m.Route(ctx, "task", 2)
	require.NoError(t, err)
	assert.Equal(t, "first", dec.PrimaryAgent, "ties break to the first-registered agent")
}

func TestRouteKClamping(t *testing.T) {
	m := New(Config{}, axisEmbedder(), testLogger())
	registerAxisAgents(t, m)

	dec, err := m.Route(context.Background(), "alpha", 0)
	require.NoError(t, err)
	assert.Len(t, dec.Matches, 3, "k<=0 falls back to configured top-k")

	dec, err = m.Route(context.Background(), "alpha", 2)
	require.NoError(t, err)
	assert.Len(t, dec.Matches, 2)
	assert.Len(t, dec.Alternatives, 1)
}

func TestReRegistrationOverwrites(t *testing.T) {
	emb := axisEmbedder()
	m := New(Config{}, emb, testLogger())
	ctx := context.Background()

	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "x", Description: "alpha"}))
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "y", Description: "beta"}))

	// Re-register x pointing at beta; it keeps its first-registered slot.
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "x", Description: "beta"}))
	assert.Equal(t, []string{"x", "y"}, m.Registered())
	assert.Equal(t, 2, m.Count())

	dec, err := m.Route(ctx, "beta task", 2)
	require.NoError(t, err)
	assert.Equal(t, "x", dec.PrimaryAgent, "overwritten embedding wins its tie by original order")
}

func TestRegisterAgentRejectsEmptyType(t *testing.T) {
	m := New(Config{}, axisEmbedder(), testLogger())
	err := m.RegisterAgent(context.Background(), domain.AgentIntent{Description: "no type"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRegisterAgentsPartialSuccess(t *testing.T) {
	m := New(Config{}, axisEmbedder(), testLogger())

	err := m.RegisterAgents(context.Background(), []domain.AgentIntent{
		{AgentType: "ok", Description: "alpha"},
		{Description: "missing type"},
		{AgentType: "also-ok", Description: "beta"},
	})
	require.Error(t, err)
	assert.Equal(t, 2, m.Count(), "independent registrations: partial success is kept")
}

func TestRegisterAgentEmbedError(t *testing.T) {
	emb := &mockEmbedder{err: errors.New("backend down"), fallback: []float32{1, 0}}
	m := New(Config{}, emb, testLogger())

	err := m.RegisterAgent(context.Background(), domain.AgentIntent{AgentType: "x", Description: "y"})
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestRouteCacheHitSkipsEmbedding(t *testing.T) {
	emb := axisEmbedder()
	m := New(Config{RouteCacheSize: 16}, emb, testLogger())
	registerAxisAgents(t, m)
	ctx := context.Background()

	_, err := m.Route(ctx, "alpha task", 3)
	require.NoError(t, err)
	callsAfterFirst := emb.calls

	dec, err := m.Route(ctx, "alpha task", 3)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, emb.calls, "cached route must not re-embed")
	assert.Equal(t, "a", dec.PrimaryAgent)
}

func TestRouteCachePurgedOnRegistration(t *testing.T) {
	emb := axisEmbedder()
	m := New(Config{RouteCacheSize: 16}, emb, testLogger())
	registerAxisAgents(t, m)
	ctx := context.Background()

	_, err := m.Route(ctx, "alpha task", 3)
	require.NoError(t, err)
	before := emb.calls

	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{AgentType: "d", Description: "delta"}))

	_, err = m.Route(ctx, "alpha task", 3)
	require.NoError(t, err)
	assert.Greater(t, emb.calls, before, "registration invalidates cached rankings")
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}
