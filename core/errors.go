package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound = errors.New("agent not found")

	// Discovery-related errors
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrNoRecordFound       = errors.New("no name-service record found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotRunning     = errors.New("not running")

	// HTTP/Network errors
	ErrConnectionFailed   = errors.New("connection failed")
	ErrRequestFailed      = errors.New("request failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// AgentError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type AgentError struct {
	Op      string // Operation that failed (e.g., "registry.Heartbeat")
	Kind    string // Error kind (e.g., "registry", "dns", "gossip")
	ID      string // Optional ID of the agent involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *AgentError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError
func NewAgentError(op, kind string, err error) *AgentError {
	return &AgentError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRegistryUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrNoRecordFound)
}
