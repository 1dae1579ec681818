package partners

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/bpelrt/pkg/schema"
)

const tracerName = "github.com/rendis/bpelrt/internal/partners"

// Registry resolves endpoint references to partners and invokes them
// behind a per-partner circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Partner
	http     Partner
	breakers *CircuitBreakerRegistry
	tracer   trace.Tracer
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTracerProvider sets the provider used for invoke spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(r *Registry) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// WithCircuitBreaker replaces the default circuit breaker configuration.
func WithCircuitBreaker(cfg CircuitBreakerConfig) RegistryOption {
	return func(r *Registry) {
		r.breakers = NewCircuitBreakerRegistry(cfg)
	}
}

// WithHTTP sets the partner used for http(s) addresses with no registered
// service.
func WithHTTP(p Partner) RegistryOption {
	return func(r *Registry) {
		r.http = p
	}
}

// NewRegistry creates a registry. Requests for http(s) addresses fall back to
// an HTTPPartner with default settings.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		services: make(map[string]Partner),
		http:     NewHTTPPartner(HTTPConfig{}),
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breakers.OnTransition(func(key string, from, to CircuitState) {
		r.logger.Warn("partner circuit changed",
			slog.String("partner", key),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return r
}

// Register binds a service name to a partner, replacing any earlier one.
func (r *Registry) Register(service string, p Partner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[service] = p
}

// Unregister removes a service.
func (r *Registry) Unregister(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, service)
}

// Breakers exposes the circuit breakers for diagnostics.
func (r *Registry) Breakers() *CircuitBreakerRegistry {
	return r.breakers
}

// Resolve returns the partner serving epr and the key its breaker uses.
func (r *Registry) Resolve(epr *schema.EndpointReference) (Partner, string, error) {
	if epr == nil {
		return nil, "", schema.NewError(schema.ErrCodeNotFound, "no endpoint reference")
	}
	r.mu.RLock()
	p, ok := r.services[epr.Service]
	r.mu.RUnlock()
	if ok {
		return p, epr.Service, nil
	}
	if IsHTTPAddress(epr.Address) && r.http != nil {
		return r.http, epr.Address, nil
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeNotFound, "no partner for service %q", epr.Service).
		WithDetails(map[string]any{"service": epr.Service, "address": epr.Address})
}

// Invoke resolves and calls the partner for req.Endpoint. Errors are
// communication failures; business faults come back in the Response.
func (r *Registry) Invoke(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := r.tracer.Start(ctx, "partner.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bpel.partner_link", req.PartnerLink),
			attribute.String("bpel.operation", req.Operation),
			attribute.Bool("bpel.one_way", req.OneWay),
		),
	)
	defer span.End()

	p, key, err := r.Resolve(req.Endpoint)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("bpel.partner", key))

	if err := r.breakers.AllowRequest(key); err != nil {
		recordError(span, err)
		return nil, err
	}

	start := time.Now()
	resp, err := p.Invoke(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		r.breakers.RecordFailure(key)
		recordError(span, err)
		r.logger.WarnContext(ctx, "partner invoke failed",
			slog.String("partner", key),
			slog.String("partner_link", req.PartnerLink),
			slog.String("operation", req.Operation),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	r.breakers.RecordSuccess(key)

	if resp == nil {
		resp = &Response{}
	}
	if resp.Faulted() {
		span.SetAttributes(attribute.String("bpel.fault", resp.Fault))
		span.AddEvent("fault", trace.WithAttributes(attribute.String("bpel.fault", resp.Fault)))
	}
	span.SetStatus(codes.Ok, "")
	r.logger.DebugContext(ctx, "partner invoked",
		slog.String("partner", key),
		slog.String("operation", req.Operation),
		slog.Duration("elapsed", elapsed),
		slog.Bool("faulted", resp.Faulted()),
	)
	return resp, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var se *schema.Error
	if errors.As(err, &se) {
		span.SetAttributes(attribute.String("error.code", se.Code))
	}
}
