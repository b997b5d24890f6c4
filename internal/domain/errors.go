package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the routing domain.
var (
	// ErrNoAvailableAgent means every candidate (preferred + fallbacks)
	// had an open circuit. Single open circuits degrade to fallback and
	// are never surfaced; only exhaustion of the whole candidate set is.
	ErrNoAvailableAgent = fmt.Errorf("no available agent")
	// ErrNoAgentsRegistered means a semantic route was attempted against
	// an empty intent registry.
	ErrNoAgentsRegistered = fmt.Errorf("no agents registered")
	// ErrTimeout means the embedding step (or the overall call) exceeded
	// the configured timeout. No health-record side effects are recorded
	// for a timed-out attempt.
	ErrTimeout = fmt.Errorf("routing timed out")
	// ErrInvalidConfig means a configuration update violated invariants
	// and was rejected; the previous configuration is retained.
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	ErrAgentNotFound   = fmt.Errorf("agent not found")
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrSnapshotStore   = fmt.Errorf("intent snapshot store failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Router.Route")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNoAvailableAgent   ErrorCode = "NO_AVAILABLE_AGENT"
	CodeNoAgentsRegistered ErrorCode = "NO_AGENTS_REGISTERED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeEmbeddingFailed    ErrorCode = "EMBEDDING_FAILED"
	CodeSnapshotStore      ErrorCode = "SNAPSHOT_STORE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNoAvailableAgent:   CodeNoAvailableAgent,
	ErrNoAgentsRegistered: CodeNoAgentsRegistered,
	ErrTimeout:            CodeTimeout,
	ErrInvalidConfig:      CodeInvalidConfig,
	ErrAgentNotFound:      CodeAgentNotFound,
	ErrEmbeddingFailed:    CodeEmbeddingFailed,
	ErrSnapshotStore:      CodeSnapshotStore,
	ErrConfigLoad:         CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
