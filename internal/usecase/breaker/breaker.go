// Package breaker tracks per-agent health and implements the circuit
// breaker state machine that decides whether a request may be routed to
// an agent.
//
// States and transitions:
//   - closed → open: failure count reaches the failure threshold
//   - open → half-open: reset timeout elapses (timer, with a lazy check
//     on Allow so a late timer never delays probing)
//   - half-open → closed: success threshold consecutive successes
//   - half-open → open: any single failure, re-arming the reset timer
//     from the current time
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"agent-router/internal/domain"
)

// Default thresholds and timers.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
)

// A half-open circuit admits exactly one trial request at a time.
const halfOpenMaxProbes = 1

// Config holds the circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the number of failures before a closed circuit opens.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold is the number of consecutive successes in half-open
	// before the circuit closes.
	SuccessThreshold int `yaml:"success_threshold"`
	// ResetTimeout is how long an open circuit waits before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// ConfigUpdate is a partial configuration change. Nil fields keep their
// current value. Updates only affect future transition decisions; they
// never retroactively reopen or close a circuit.
type ConfigUpdate struct {
	FailureThreshold *int
	SuccessThreshold *int
	ResetTimeout     *time.Duration
}

// record is the mutable health record for a single agent. Each record has
// its own lock so unrelated agents' routing decisions never serialize.
type record struct {
	mu             sync.Mutex
	state          domain.CircuitState
	failureCount   int
	successCount   int
	lastFailure    time.Time
	lastSuccess    time.Time
	resetDeadline  time.Time
	halfOpenProbes int
	timer          *time.Timer
	// timerGen invalidates in-flight timer callbacks: a stale timer must
	// not resurrect a circuit that was reset or rescheduled meanwhile.
	timerGen uint64
}

// StateChangeHook is invoked (on its own goroutine) after a circuit
// transition.
type StateChangeHook func(agentID string, from, to domain.CircuitState)

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateChangeHook registers a transition callback.
func WithStateChangeHook(fn StateChangeHook) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// Breaker owns the health records for all agents, keyed by agent ID.
// Records are created lazily on first use and removed only by explicit
// Remove; unseen agents report closed circuits.
type Breaker struct {
	mu      sync.RWMutex // guards cfg and the records map, never held with a record lock
	cfg     Config
	records map[string]*record

	logger        *slog.Logger
	onStateChange StateChangeHook
}

// New creates a Breaker. Zero-valued config fields use defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*record),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// config returns a snapshot of the current configuration.
func (b *Breaker) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// getRecord returns the record for agentID, creating it if needed.
func (b *Breaker) getRecord(agentID string) *record {
	b.mu.RLock()
	r, ok := b.records[agentID]
	b.mu.RUnlock()
	if ok {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.records[agentID]; ok {
		return r
	}
	r = &record{state: domain.CircuitClosed}
	b.records[agentID] = r
	return r
}

// peekRecord returns the record for agentID or nil if the agent was never seen.
func (b *Breaker) peekRecord(agentID string) *record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.records[agentID]
}

// Allow reports whether a request to agentID may proceed, consuming the
// half-open trial slot when applicable. An open circuit whose reset
// deadline has elapsed transitions to half-open here even if the timer
// has not fired yet.
func (b *Breaker) Allow(agentID string) bool {
	r := b.getRecord(agentID)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if !now.Before(r.resetDeadline) {
			b.transitionLocked(r, agentID, domain.CircuitHalfOpen, now, b.config())
			r.halfOpenProbes++
			return true
		}
		return false
	case domain.CircuitHalfOpen:
		if r.halfOpenProbes >= halfOpenMaxProbes {
			return false
		}
		r.halfOpenProbes++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful outcome for agentID.
// Never fails; unknown agent IDs create fresh records.
func (b *Breaker) RecordSuccess(agentID string) {
	cfg := b.config()
	r := b.getRecord(agentID)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.successCount++
	r.lastSuccess = now

	if r.state == domain.CircuitHalfOpen {
		if r.halfOpenProbes > 0 {
			r.halfOpenProbes--
		}
		if r.successCount >= cfg.SuccessThreshold {
			b.transitionLocked(r, agentID, domain.CircuitClosed, now, cfg)
		}
	}
	// In the closed state a single success does not zero failureCount:
	// a stray success must not mask a failing agent.
}

// RecordFailure records a failed outcome for agentID.
// Never fails; unknown agent IDs create fresh records.
func (b *Breaker) RecordFailure(agentID string) {
	cfg := b.config()
	r := b.getRecord(agentID)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.failureCount++
	r.lastFailure = now

	switch r.state {
	case domain.CircuitClosed:
		if r.failureCount >= cfg.FailureThreshold {
			b.transitionLocked(r, agentID, domain.CircuitOpen, now, cfg)
		}
	case domain.CircuitHalfOpen:
		if r.halfOpenProbes > 0 {
			r.halfOpenProbes--
		}
		// Any failure while probing reopens immediately, re-arming the
		// reset timer from now, not the original deadline.
		b.transitionLocked(r, agentID, domain.CircuitOpen, now, cfg)
	}
}

// State returns the circuit state for agentID. Agents never seen before
// report closed: no record is needed to be healthy by default.
func (b *Breaker) State(agentID string) domain.CircuitState {
	r := b.peekRecord(agentID)
	if r == nil {
		return domain.CircuitClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Health returns a snapshot of agentID's health record. An unseen agent
// reports a closed circuit with availability 1.0.
func (b *Breaker) Health(agentID string) domain.HealthSummary {
	r := b.peekRecord(agentID)
	if r == nil {
		return domain.HealthSummary{
			AgentID:      agentID,
			State:        domain.CircuitClosed,
			Availability: 1.0,
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return summaryLocked(agentID, r)
}

// AgentHealth returns snapshots for every agent seen so far, sorted by
// agent ID for deterministic output.
func (b *Breaker) AgentHealth() []domain.HealthSummary {
	b.mu.RLock()
	ids := make([]string, 0, len(b.records))
	recs := make([]*record, 0, len(b.records))
	for id, r := range b.records {
		ids = append(ids, id)
		recs = append(recs, r)
	}
	b.mu.RUnlock()

	summaries := make([]domain.HealthSummary, len(ids))
	for i, r := range recs {
		r.mu.Lock()
		summaries[i] = summaryLocked(ids[i], r)
		r.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AgentID < summaries[j].AgentID
	})
	return summaries
}

// summaryLocked builds a HealthSummary. Caller must hold r.mu.
func summaryLocked(agentID string, r *record) domain.HealthSummary {
	availability := 1.0
	if total := r.successCount + r.failureCount; total > 0 {
		availability = float64(r.successCount) / float64(total)
	}
	return domain.HealthSummary{
		AgentID:       agentID,
		State:         r.state,
		FailureCount:  r.failureCount,
		SuccessCount:  r.successCount,
		LastFailure:   r.lastFailure,
		LastSuccess:   r.lastSuccess,
		ResetDeadline: r.resetDeadline,
		Availability:  availability,
	}
}

// Reset forces agentID's circuit to closed, zeroes both counters, and
// cancels any pending reset timer. Resetting an already-closed or unseen
// agent is a no-op aside from the counter zeroing.
func (b *Breaker) Reset(agentID string) {
	r := b.peekRecord(agentID)
	if r == nil {
		return
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b.transitionLocked(r, agentID, domain.CircuitClosed, now, b.config())
	r.failureCount = 0
	r.successCount = 0
	r.lastFailure = time.Time{}
	r.lastSuccess = time.Time{}
}

// Remove deletes agentID's health record entirely.
func (b *Breaker) Remove(agentID string) {
	b.mu.Lock()
	r, ok := b.records[agentID]
	if ok {
		delete(b.records, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

// UpdateConfig applies a partial configuration change. Invalid updates
// (non-positive thresholds or timeout) are rejected with ErrInvalidConfig
// and the previous configuration is retained. Open circuits are
// rescheduled against the new reset timeout.
func (b *Breaker) UpdateConfig(u ConfigUpdate) error {
	b.mu.Lock()
	merged := b.cfg
	if u.FailureThreshold != nil {
		merged.FailureThreshold = *u.FailureThreshold
	}
	if u.SuccessThreshold != nil {
		merged.SuccessThreshold = *u.SuccessThreshold
	}
	if u.ResetTimeout != nil {
		merged.ResetTimeout = *u.ResetTimeout
	}
	if merged.FailureThreshold <= 0 || merged.SuccessThreshold <= 0 || merged.ResetTimeout <= 0 {
		b.mu.Unlock()
		return domain.NewDomainError("breaker.UpdateConfig", domain.ErrInvalidConfig,
			"thresholds and reset timeout must be positive")
	}
	previous := b.cfg
	b.cfg = merged
	recs := make(map[string]*record, len(b.records))
	for id, r := range b.records {
		recs[id] = r
	}
	b.mu.Unlock()

	b.logger.Info("circuit breaker config updated",
		"failure_threshold", merged.FailureThreshold,
		"success_threshold", merged.SuccessThreshold,
		"reset_timeout", merged.ResetTimeout,
	)

	// Reschedule open circuits so a shortened (or lengthened) reset
	// timeout takes effect mid-flight.
	if merged.ResetTimeout != previous.ResetTimeout {
		for id, r := range recs {
			r.mu.Lock()
			if r.state == domain.CircuitOpen {
				openedAt := r.resetDeadline.Add(-previous.ResetTimeout)
				r.resetDeadline = openedAt.Add(merged.ResetTimeout)
				b.armTimerLocked(r, id, time.Until(r.resetDeadline))
			}
			r.mu.Unlock()
		}
	}
	return nil
}

// Config returns the current configuration.
func (b *Breaker) Config() Config {
	return b.config()
}

// transitionLocked changes the circuit state. Caller must hold r.mu.
func (b *Breaker) transitionLocked(r *record, agentID string, to domain.CircuitState, now time.Time, cfg Config) {
	from := r.state
	if from == to {
		return
	}
	r.state = to

	switch to {
	case domain.CircuitOpen:
		r.resetDeadline = now.Add(cfg.ResetTimeout)
		r.halfOpenProbes = 0
		b.armTimerLocked(r, agentID, cfg.ResetTimeout)
	case domain.CircuitHalfOpen:
		// Successes must be consecutive within half-open.
		r.successCount = 0
		r.halfOpenProbes = 0
		r.resetDeadline = time.Time{}
		b.stopTimerLocked(r)
	case domain.CircuitClosed:
		r.failureCount = 0
		r.halfOpenProbes = 0
		r.resetDeadline = time.Time{}
		b.stopTimerLocked(r)
	}

	b.logger.Warn("circuit state change",
		"agent_id", agentID,
		"from", from.String(),
		"to", to.String(),
	)
	if b.onStateChange != nil {
		go b.onStateChange(agentID, from, to)
	}
}

// armTimerLocked schedules the open → half-open transition, cancelling any
// previous timer. Caller must hold r.mu.
func (b *Breaker) armTimerLocked(r *record, agentID string, d time.Duration) {
	r.timerGen++
	gen := r.timerGen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, func() {
		b.onResetTimer(agentID, gen)
	})
}

// stopTimerLocked cancels the pending reset timer. Caller must hold r.mu.
func (b *Breaker) stopTimerLocked(r *record) {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// onResetTimer fires when an open circuit's reset deadline elapses. The
// generation check makes stale timers harmless.
func (b *Breaker) onResetTimer(agentID string, gen uint64) {
	r := b.peekRecord(agentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timerGen != gen || r.state != domain.CircuitOpen {
		return
	}
	b.transitionLocked(r, agentID, domain.CircuitHalfOpen, time.Now(), b.config())
}

// Route selects the first candidate whose circuit admits a request:
// the preferred agent first, then the fallback agents in order. It fails
// with ErrNoAvailableAgent only when the whole candidate set is exhausted;
// a single open circuit degrades to fallback, never to an error.
func (b *Breaker) Route(req domain.RouteRequest) (*domain.RouteResult, error) {
	start := time.Now()

	candidates := make([]string, 0, 1+len(req.FallbackAgents))
	if req.PreferredAgent != "" {
		candidates = append(candidates, req.PreferredAgent)
	}
	candidates = append(candidates, req.FallbackAgents...)
	if len(candidates) == 0 {
		return nil, domain.NewDomainError("breaker.Route", domain.ErrNoAvailableAgent, "no candidates supplied")
	}

	for i, agent := range candidates {
		if !b.Allow(agent) {
			continue
		}
		h := b.Health(agent)
		return &domain.RouteResult{
			SelectedAgent: agent,
			Confidence:    StateConfidence(h.State, h.Availability),
			CircuitState:  h.State,
			FallbackUsed:  i > 0,
			Metrics: domain.RouteMetrics{
				RoutingTime:  time.Since(start),
				FailureCount: h.FailureCount,
				SuccessCount: h.SuccessCount,
			},
		}, nil
	}

	return nil, domain.NewDomainError("breaker.Route", domain.ErrNoAvailableAgent,
		"all candidates have open circuits")
}

// Circuit-state confidence constants, used when uncertainty estimation is
// disabled.
const (
	closedConfidence   = 0.9
	halfOpenConfidence = 0.5
)

// StateConfidence derives a routing confidence purely from circuit state
// and availability.
func StateConfidence(state domain.CircuitState, availability float64) float64 {
	if availability < 0 {
		availability = 0
	} else if availability > 1 {
		availability = 1
	}
	switch state {
	case domain.CircuitClosed:
		return closedConfidence * availability
	case domain.CircuitHalfOpen:
		return halfOpenConfidence * availability
	default:
		return 0
	}
}
