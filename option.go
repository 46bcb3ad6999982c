package collab

import (
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/approval"
	"github.com/medscreen/collab/service/audit"
	"github.com/medscreen/collab/service/coordinator"
	"github.com/medscreen/collab/service/dao"
	"github.com/medscreen/collab/service/event"
	"github.com/medscreen/collab/service/meta"
	"github.com/medscreen/collab/tracing"
)

// Option customises the engine façade.
type Option func(s *Service)

// WithConfig supplies the serialisable engine configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithDefinition supplies the workflow definition directly, bypassing the
// meta service.
func WithDefinition(def *model.Definition) Option {
	return func(s *Service) { s.def = def }
}

// WithPolicy sets the session-level coordination policy, overriding the
// config's declarative form.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.pol = p }
}

// WithMetaService sets the metadata loader.
func WithMetaService(service *meta.Service) Option {
	return func(s *Service) { s.metaService = service }
}

// WithMetaBaseURL sets the base URL workflow documents are resolved against.
func WithMetaBaseURL(url string) Option {
	return func(s *Service) { s.metaBaseURL = url }
}

// WithSessionStore overrides the versioned session store, e.g. with the
// gorm-backed implementation.
func WithSessionStore(store dao.Versioned[string, model.Session]) Option {
	return func(s *Service) { s.sessionStore = store }
}

// WithAuditService overrides the audit log implementation.
func WithAuditService(svc audit.Service) Option {
	return func(s *Service) { s.auditLog = svc }
}

// WithApprovalService overrides the approval service.
func WithApprovalService(svc approval.Service) Option {
	return func(s *Service) { s.approvals = svc }
}

// WithEventService overrides the event dispatcher.
func WithEventService(service *event.Service) Option {
	return func(s *Service) { s.events = service }
}

// WithCoordinator overrides the lock/presence coordinator.
func WithCoordinator(coord *coordinator.Service) Option {
	return func(s *Service) { s.coord = coord }
}

// WithApprovalExpiry enables the background expirer for approval requests
// carrying an ExpiresAt; interval is the poll cadence.
func WithApprovalExpiry(interval time.Duration) Option {
	return func(s *Service) { s.approvalSweep = interval }
}

// WithTracing configures OpenTelemetry tracing with the stdout exporter; an
// empty outputFile writes to stdout.  Safe to call multiple times, the first
// successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom
// SpanExporter, e.g. OTLP, Jaeger or Zipkin.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
