package semantic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-router/internal/domain"
)

func reviewTestEmbedder() *mockEmbedder {
	return &mockEmbedder{
		keywords: []keywordVec{
			{"review", []float32{1, 0}},
			{"test", []float32{0, 1}},
		},
		fallback: []float32{0.1, 0.1},
	}
}

func newReviewMatcher(t *testing.T) *Matcher {
	t.Helper()
	m := New(Config{}, reviewTestEmbedder(), testLogger())
	ctx := context.Background()
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{
		AgentType:   "reviewer",
		Description: "review code changes",
	}))
	require.NoError(t, m.RegisterAgent(ctx, domain.AgentIntent{
		AgentType:   "tester",
		Description: "test suites and quality checks",
	}))
	return m
}

func TestSegmentClauses(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			"conjunctions",
			"Review the code and then run the tests",
			[]string{"Review the code", "run the tests"},
		},
		{
			"sentences",
			"Fix the bug. Deploy the service.",
			[]string{"Fix the bug", "Deploy the service"},
		},
		{
			"before clause",
			"Run linting before merging",
			[]string{"Run linting", "merging"},
		},
		{
			"single clause",
			"Summarize the document",
			[]string{"Summarize the document"},
		},
		{
			"empty",
			"",
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := segmentClauses(tt.input)
			got := make([]string, 0, len(segs))
			for _, s := range segs {
				got = append(got, s.text)
			}
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSegmentClausesOffsets(t *testing.T) {
	segs := segmentClauses("Review the code and then run the tests")
	require.Len(t, segs, 2)
	assert.Equal(t, 0, segs[0].offset)
	assert.Equal(t, "run the tests", segs[1].text)
	assert.Greater(t, segs[1].offset, segs[0].offset, "offsets preserve source order")
}

func TestDetectMultiIntentExecutionOrder(t *testing.T) {
	m := newReviewMatcher(t)

	res, err := m.DetectMultiIntent(context.Background(),
		"Review the code and then run the tests", 0.6)
	require.NoError(t, err)

	assert.True(t, res.RequiresMultiAgent)
	assert.Equal(t, []string{"reviewer", "tester"}, res.ExecutionOrder,
		"review is mentioned first, so it is ordered first")
	require.Len(t, res.Intents, 2)
	assert.Equal(t, "reviewer", res.Intents[0].AgentType)
	assert.Greater(t, res.Intents[0].Confidence, 0.6)
}

func TestDetectMultiIntentReversedMention(t *testing.T) {
	m := newReviewMatcher(t)

	res, err := m.DetectMultiIntent(context.Background(),
		"Run the tests after you review the code", 0.6)
	require.NoError(t, err)
	assert.Equal(t, []string{"tester", "reviewer"}, res.ExecutionOrder)
}

func TestDetectMultiIntentThresholdFilters(t *testing.T) {
	m := newReviewMatcher(t)

	// "Make coffee" embeds to the fallback vector, below threshold.
	res, err := m.DetectMultiIntent(context.Background(),
		"Review the code and make coffee", 0.9)
	require.NoError(t, err)

	assert.False(t, res.RequiresMultiAgent)
	assert.Equal(t, []string{"reviewer"}, res.ExecutionOrder)
}

func TestDetectMultiIntentDeduplicates(t *testing.T) {
	m := newReviewMatcher(t)

	res, err := m.DetectMultiIntent(context.Background(),
		"Review the API and review the schema", 0.6)
	require.NoError(t, err)

	assert.Equal(t, []string{"reviewer"}, res.ExecutionOrder,
		"duplicate agent collapses to a single entry")
	require.Len(t, res.Intents, 1)
}

func TestDetectMultiIntentEmptyRegistry(t *testing.T) {
	m := New(Config{}, reviewTestEmbedder(), testLogger())
	_, err := m.DetectMultiIntent(context.Background(), "anything and everything", 0.6)
	assert.ErrorIs(t, err, domain.ErrNoAgentsRegistered)
}

func TestDetectMultiIntentDefaultThreshold(t *testing.T) {
	m := newReviewMatcher(t)

	res, err := m.DetectMultiIntent(context.Background(),
		"Review the code and then run the tests", 0)
	require.NoError(t, err)
	assert.Len(t, res.ExecutionOrder, 2, "non-positive threshold uses the configured default")
}
