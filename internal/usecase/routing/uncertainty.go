package routing

import (
	"math"
	"time"

	"agent-router/internal/domain"
)

// Uncertainty estimation defaults. The weights sum to 1 so the combined
// score stays in [0,1] without clamping under defaults.
const (
	DefaultRecencyHalfLife = 5 * time.Minute
	DefaultRecencyWeight   = 0.4
	DefaultStateWeight     = 0.25
	DefaultRatioWeight     = 0.35
)

// State contributions: closed is a low base, half-open is elevated
// because the agent is untested since its last failure streak.
const (
	closedStateFactor   = 0.1
	halfOpenStateFactor = 0.6
)

// UncertaintyConfig tunes the routing-uncertainty estimate.
// Each weight must be non-negative; the estimate is clamped to [0,1].
type UncertaintyConfig struct {
	// RecencyHalfLife is the half-life of a past failure's influence.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
	RecencyWeight   float64       `yaml:"recency_weight"`
	StateWeight     float64       `yaml:"state_weight"`
	RatioWeight     float64       `yaml:"ratio_weight"`
}

func (c UncertaintyConfig) withDefaults() UncertaintyConfig {
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if c.RecencyWeight <= 0 && c.StateWeight <= 0 && c.RatioWeight <= 0 {
		c.RecencyWeight = DefaultRecencyWeight
		c.StateWeight = DefaultStateWeight
		c.RatioWeight = DefaultRatioWeight
	}
	return c
}

// Estimator computes a routing-confidence penalty from an agent's health.
// Lower is more confident. The estimate is monotonic in each input: more
// recent failures, more failures, and less-proven states never decrease it.
type Estimator struct {
	cfg UncertaintyConfig
}

// NewEstimator creates an Estimator. Zero-valued config uses defaults.
func NewEstimator(cfg UncertaintyConfig) *Estimator {
	return &Estimator{cfg: cfg.withDefaults()}
}

// Estimate returns the uncertainty for the given health snapshot at time
// now. An open circuit is not normally selectable, but if queried it is
// maximally uncertain.
func (e *Estimator) Estimate(h domain.HealthSummary, now time.Time) float64 {
	if h.State == domain.CircuitOpen {
		return 1.0
	}

	// Recency: a failure right now contributes 1, halving every
	// RecencyHalfLife. No failure ever contributes 0.
	recency := 0.0
	if !h.LastFailure.IsZero() {
		elapsed := now.Sub(h.LastFailure)
		if elapsed < 0 {
			elapsed = 0
		}
		recency = math.Exp(-math.Ln2 * elapsed.Seconds() / e.cfg.RecencyHalfLife.Seconds())
	}

	stateFactor := closedStateFactor
	if h.State == domain.CircuitHalfOpen {
		stateFactor = halfOpenStateFactor
	}

	// The +1 avoids division by zero and dampens early volatility.
	ratio := float64(h.FailureCount) / float64(h.FailureCount+h.SuccessCount+1)

	u := e.cfg.RecencyWeight*recency + e.cfg.StateWeight*stateFactor + e.cfg.RatioWeight*ratio
	return clamp01(u)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
