// Package telemetry provides an OpenTelemetry-backed implementation of
// the core.Telemetry interface. Nodes that do not import this package
// pay nothing: core defaults to a no-op.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentnet-io/agentnet/core"
)

const instrumentationName = "github.com/agentnet-io/agentnet"

// Provider implements core.Telemetry on top of the global OpenTelemetry
// tracer and meter providers. Counters are created lazily per metric
// name and reused.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New creates a telemetry provider named after the given service.
func New(serviceName string) *Provider {
	if serviceName == "" {
		serviceName = instrumentationName
	}
	return &Provider{
		tracer:   otel.Tracer(serviceName),
		meter:    otel.Meter(serviceName),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan begins a span and returns the derived context.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds the value to a counter of the given name, tagging
// it with the labels.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := p.counter(name)
	if err != nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (p *Provider) counter(name string) (metric.Float64Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
