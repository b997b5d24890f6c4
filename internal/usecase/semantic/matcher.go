// Package semantic selects agents by embedding similarity between a task
// description and pre-registered agent intents.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agent-router/internal/domain"
)

// Defaults.
const (
	DefaultTopK                 = 3
	DefaultMultiIntentThreshold = 0.6
	DefaultRouteCacheSize       = 256
)

// Config holds semantic matcher settings.
type Config struct {
	// TopK is the number of ranked candidates a route returns
	// (primary + k-1 alternatives).
	TopK int `yaml:"top_k"`
	// MultiIntentThreshold is the minimum similarity for a clause to count
	// as a detected intent.
	MultiIntentThreshold float64 `yaml:"multi_intent_threshold"`
	// RouteCacheSize bounds the LRU cache of ranked results per task text.
	// Zero or negative disables caching.
	RouteCacheSize int `yaml:"route_cache_size"`
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.MultiIntentThreshold <= 0 {
		c.MultiIntentThreshold = DefaultMultiIntentThreshold
	}
	return c
}

// Match pairs an agent type with its similarity to the routed task.
type Match struct {
	AgentType  string  `json:"agent_type"`
	Similarity float64 `json:"similarity"`
}

// Decision is the result of a semantic route: a ranked candidate list.
type Decision struct {
	PrimaryAgent string   `json:"primary_agent"`
	Confidence   float64  `json:"confidence"` // top-1 similarity, directly
	Alternatives []string `json:"alternatives,omitempty"`
	Matches      []Match  `json:"matches"`
	EmbedTime    time.Duration
	SearchTime   time.Duration
}

// registered is an intent plus its derived embedding and registration order.
type registered struct {
	intent    domain.AgentIntent
	embedding []float32
	order     int
}

// Matcher owns the agent intent registry and its derived embeddings.
// Registrations are rare and lookups frequent, so the registry sits behind
// a read-write lock; similarity search is a brute-force O(N) scan, which
// is fine for agent populations in the tens.
type Matcher struct {
	cfg      Config
	embedder domain.EmbeddingProvider
	logger   *slog.Logger

	mu      sync.RWMutex
	byType  map[string]*registered
	ordered []*registered

	// cache holds ranked decisions keyed by task text, purged on any
	// registration. Similarity depends only on the registry, never on
	// circuit health, so cached rankings stay valid between registrations.
	cache *lru.Cache[string, Decision]
}

// New creates a Matcher backed by the given embedding provider.
func New(cfg Config, embedder domain.EmbeddingProvider, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	m := &Matcher{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
		byType:   make(map[string]*registered),
	}
	if cfg.RouteCacheSize > 0 {
		// lru.New only errors on non-positive sizes.
		m.cache, _ = lru.New[string, Decision](cfg.RouteCacheSize)
	}
	return m
}

// intentText builds the text an intent's embedding is derived from.
func intentText(intent domain.AgentIntent) string {
	parts := make([]string, 0, 3)
	if intent.Description != "" {
		parts = append(parts, intent.Description)
	}
	if len(intent.Examples) > 0 {
		parts = append(parts, strings.Join(intent.Examples, "\n"))
	}
	if len(intent.Tags) > 0 {
		parts = append(parts, strings.Join(intent.Tags, " "))
	}
	return strings.Join(parts, "\n")
}

// RegisterAgent computes and stores the embedding for an intent.
// Re-registration overwrites the embedding but keeps the original
// registration order, so tie-breaking stays deterministic.
func (m *Matcher) RegisterAgent(ctx context.Context, intent domain.AgentIntent) error {
	if intent.AgentType == "" {
		return domain.NewDomainError("semantic.RegisterAgent", domain.ErrInvalidConfig,
			"intent has empty agent type")
	}

	vecs, err := m.embedder.Embed(ctx, []string{intentText(intent)})
	if err != nil {
		return domain.WrapOp("semantic.RegisterAgent", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return domain.NewDomainError("semantic.RegisterAgent", domain.ErrEmbeddingFailed,
			"provider returned empty embedding")
	}

	m.mu.Lock()
	if existing, ok := m.byType[intent.AgentType]; ok {
		existing.intent = intent
		existing.embedding = vecs[0]
	} else {
		r := &registered{intent: intent, embedding: vecs[0], order: len(m.ordered)}
		m.byType[intent.AgentType] = r
		m.ordered = append(m.ordered, r)
	}
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.Purge()
	}

	m.logger.Debug("agent intent registered",
		"agent_type", intent.AgentType,
		"examples", len(intent.Examples),
		"tags", len(intent.Tags),
	)
	return nil
}

// RegisterAgents registers a batch of intents. Each registration is
// independent; partial success is acceptable and all failures are joined
// into the returned error.
func (m *Matcher) RegisterAgents(ctx context.Context, intents []domain.AgentIntent) error {
	var errs []error
	for _, intent := range intents {
		if err := m.RegisterAgent(ctx, intent); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", intent.AgentType, err))
		}
	}
	return errors.Join(errs...)
}

// RestoreAgent installs an intent with a precomputed embedding, skipping
// the embedding provider. Used when rehydrating the registry from a
// snapshot store. Ordering semantics match RegisterAgent.
func (m *Matcher) RestoreAgent(intent domain.AgentIntent, embedding []float32) error {
	if intent.AgentType == "" {
		return domain.NewDomainError("semantic.RestoreAgent", domain.ErrInvalidConfig,
			"intent has empty agent type")
	}
	if len(embedding) == 0 {
		return domain.NewDomainError("semantic.RestoreAgent", domain.ErrInvalidConfig,
			"intent has empty embedding")
	}

	m.mu.Lock()
	if existing, ok := m.byType[intent.AgentType]; ok {
		existing.intent = intent
		existing.embedding = embedding
	} else {
		r := &registered{intent: intent, embedding: embedding, order: len(m.ordered)}
		m.byType[intent.AgentType] = r
		m.ordered = append(m.ordered, r)
	}
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.Purge()
	}
	return nil
}

// Snapshot returns every registered intent with its embedding, in
// registration order. Embeddings are copied so the caller cannot mutate
// the registry.
func (m *Matcher) Snapshot() []domain.IntentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.IntentSnapshot, len(m.ordered))
	for i, r := range m.ordered {
		emb := make([]float32, len(r.embedding))
		copy(emb, r.embedding)
		out[i] = domain.IntentSnapshot{Intent: r.intent, Embedding: emb}
	}
	return out
}

// Registered returns the registered agent types in registration order.
func (m *Matcher) Registered() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, len(m.ordered))
	for i, r := range m.ordered {
		types[i] = r.intent.AgentType
	}
	return types
}

// Count returns the number of registered agents.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ordered)
}

// Route embeds the task text and ranks every registered intent by cosine
// similarity. The top-1 is the primary and the next k-1 are alternatives;
// ties break by registration order (first-registered wins) so results are
// deterministic. Fails with ErrNoAgentsRegistered on an empty registry.
func (m *Matcher) Route(ctx context.Context, taskDescription string, k int) (*Decision, error) {
	if k <= 0 {
		k = m.cfg.TopK
	}
	if m.Count() == 0 {
		return nil, domain.NewDomainError("semantic.Route", domain.ErrNoAgentsRegistered, "")
	}

	cacheKey := fmt.Sprintf("%d|%s", k, taskDescription)
	if m.cache != nil {
		if dec, ok := m.cache.Get(cacheKey); ok {
			return &dec, nil
		}
	}

	embedStart := time.Now()
	vecs, err := m.embedder.Embed(ctx, []string{taskDescription})
	if err != nil {
		return nil, domain.WrapOp("semantic.Route", err)
	}
	if len(vecs) == 0 {
		return nil, domain.NewDomainError("semantic.Route", domain.ErrEmbeddingFailed,
			"provider returned no embedding for task")
	}
	embedTime := time.Since(embedStart)

	searchStart := time.Now()
	matches := m.rank(vecs[0])
	searchTime := time.Since(searchStart)

	if len(matches) > k {
		matches = matches[:k]
	}

	dec := Decision{
		PrimaryAgent: matches[0].AgentType,
		Confidence:   matches[0].Similarity,
		Matches:      matches,
		EmbedTime:    embedTime,
		SearchTime:   searchTime,
	}
	for _, alt := range matches[1:] {
		dec.Alternatives = append(dec.Alternatives, alt.AgentType)
	}

	if m.cache != nil {
		m.cache.Add(cacheKey, dec)
	}
	return &dec, nil
}

// rank scores every registered intent against the query vector, sorted by
// descending similarity with registration-order tie-breaking.
func (m *Matcher) rank(query []float32) []Match {
	m.mu.RLock()
	type scored struct {
		agentType  string
		similarity float64
		order      int
	}
	results := make([]scored, len(m.ordered))
	for i, r := range m.ordered {
		results[i] = scored{
			agentType:  r.intent.AgentType,
			similarity: float64(cosineSimilarity(query, r.embedding)),
			order:      r.order,
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].similarity != results[j].similarity {
			return results[i].similarity > results[j].similarity
		}
		return results[i].order < results[j].order
	})

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{AgentType: r.agentType, Similarity: r.similarity}
	}
	return matches
}

// cosineSimilarity computes dot(a,b) / (||a|| * ||b||).
// Returns 0 for zero-length vectors, length mismatch, or NaN/Inf results.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB)))
	if denom == 0 {
		return 0
	}
	result := dot / denom
	if math.IsNaN(float64(result)) || math.IsInf(float64(result), 0) {
		return 0
	}
	return result
}
