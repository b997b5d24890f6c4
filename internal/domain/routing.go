package domain

import "time"

// CircuitState represents the health state of a single agent's circuit.
type CircuitState int32

const (
	// CircuitClosed is normal operation: requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the agent is failing and requests are rejected.
	CircuitOpen
	// CircuitHalfOpen allows a single trial request to probe recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// AgentIntent describes what a registered agent is capable of handling.
// The semantic matcher derives one embedding per agent type from the
// description, examples, and tags; re-registration overwrites it.
type AgentIntent struct {
	AgentType   string   `yaml:"agent_type" json:"agent_type"`
	Description string   `yaml:"description" json:"description"`
	Examples    []string `yaml:"examples,omitempty" json:"examples,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// IntentSnapshot pairs a registered intent with its derived embedding, so
// registries can be persisted and restored without re-embedding.
type IntentSnapshot struct {
	Intent    AgentIntent `json:"intent"`
	Embedding []float32   `json:"-"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// RouteRequest is a caller-supplied, per-call routing request.
// When PreferredAgent is empty, the semantic matcher proposes candidates
// from TaskDescription; otherwise only circuit health is consulted.
type RouteRequest struct {
	TaskDescription string
	PreferredAgent  string
	FallbackAgents  []string
	// Timeout bounds the whole call, embedding included. Zero means the
	// router's configured default.
	Timeout time.Duration
}

// RouteMetrics carries per-decision measurements.
type RouteMetrics struct {
	DecisionID   string        `json:"decision_id"`
	RoutingTime  time.Duration `json:"routing_time"`
	FailureCount int           `json:"failure_count"`
	SuccessCount int           `json:"success_count"`
}

// RouteResult is the outcome of a single routing decision.
type RouteResult struct {
	SelectedAgent string       `json:"selected_agent"`
	Confidence    float64      `json:"confidence"`
	CircuitState  CircuitState `json:"circuit_state"`
	FallbackUsed  bool         `json:"fallback_used"`
	// Uncertainty is in [0,1], lower is better. Nil when uncertainty
	// estimation is disabled.
	Uncertainty *float64     `json:"uncertainty,omitempty"`
	Metrics     RouteMetrics `json:"metrics"`
}

// HealthSummary is a read-only snapshot of one agent's health record.
type HealthSummary struct {
	AgentID       string       `json:"agent_id"`
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	LastFailure   time.Time    `json:"last_failure,omitempty"`
	LastSuccess   time.Time    `json:"last_success,omitempty"`
	ResetDeadline time.Time    `json:"reset_deadline,omitempty"`
	// Availability is successCount / (successCount + failureCount).
	// An agent with no recorded outcomes reports 1.0: unseen agents are
	// assumed healthy until proven otherwise.
	Availability float64 `json:"availability"`
}

// RouterMetrics aggregates routing activity across all calls.
type RouterMetrics struct {
	TotalRoutes     uint64        `json:"total_routes"`
	SemanticRoutes  uint64        `json:"semantic_routes"`
	PreferredRoutes uint64        `json:"preferred_routes"`
	FallbacksUsed   uint64        `json:"fallbacks_used"`
	Exhausted       uint64        `json:"exhausted"`
	Timeouts        uint64        `json:"timeouts"`
	LastRoutingTime time.Duration `json:"last_routing_time"`
}
