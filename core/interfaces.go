package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Directory is the request/response contract of the central registry.
// The registry's own storage and search live behind this interface;
// the node only consumes it.
type Directory interface {
	Register(ctx context.Context, record *AgentRecord) (*AgentRecord, error)
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context, query ListQuery) ([]*AgentRecord, error)
	Heartbeat(ctx context.Context, id string) (HeartbeatResult, error)
	Unregister(ctx context.Context, id string) error
}

// NameResolver resolves an agent id to its record via name-service
// records. Used as the fallback path when the directory is unavailable.
type NameResolver interface {
	ResolveAgent(ctx context.Context, id string) (*AgentRecord, error)
}

// CacheStore holds discovery results keyed by agent id. A miss returns
// (nil, nil) so callers can tell "not cached" from a store failure.
type CacheStore interface {
	Get(ctx context.Context, id string) (*AgentRecord, error)
	Set(ctx context.Context, record *AgentRecord, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	IDs(ctx context.Context) ([]string, error)
}

// HealthStatus for peers
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HeartbeatResult distinguishes "registry forgot us" from transport
// errors: a 404 is an ordinary outcome that drives re-registration.
type HeartbeatResult struct {
	NotFound bool
	Status   string
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
