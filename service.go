package collab

import (
	"context"
	"time"

	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/approval"
	approvalmem "github.com/medscreen/collab/service/approval/memory"
	"github.com/medscreen/collab/service/audit"
	auditmem "github.com/medscreen/collab/service/audit/memory"
	"github.com/medscreen/collab/service/coordinator"
	"github.com/medscreen/collab/service/dao"
	"github.com/medscreen/collab/service/event"
	"github.com/medscreen/collab/service/meta"
	"github.com/medscreen/collab/service/session"
)

// Service is the engine façade: it wires the session manager, field change
// queue, coordinator, approval gate and audit log around one workflow
// definition and owns their background loops.
type Service struct {
	config       *Config
	def          *model.Definition
	pol          *policy.Policy
	metaService  *meta.Service
	metaBaseURL  string
	sessionStore dao.Versioned[string, model.Session]
	auditLog     audit.Service
	approvals    approval.Service
	events       *event.Service
	coord        *coordinator.Service
	manager      *session.Manager

	approvalSweep time.Duration
	stops         []func()
}

// New builds the engine.  A workflow definition must be supplied, either
// directly through WithDefinition or as a document URL via config/options.
func New(options ...Option) (*Service, error) {
	ret := &Service{}
	for _, option := range options {
		option(ret)
	}
	if err := ret.init(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Service) init() error {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if err := s.config.Validate(); err != nil {
		return types.NewValidationError("invalid configuration: %v", err)
	}
	if s.pol == nil {
		s.pol = policy.FromConfig(s.config.Policy)
	}
	if s.metaService == nil {
		s.metaService = meta.New(s.metaBaseURL)
	}
	if s.def == nil {
		if s.config.Workflow == "" {
			return types.NewValidationError("no workflow definition supplied")
		}
		def, err := s.metaService.LoadDefinition(context.Background(), s.config.Workflow)
		if err != nil {
			return err
		}
		s.def = def
	}
	s.ensureBaseSetup()

	manager, err := session.New(s.def,
		session.WithPolicy(s.pol),
		session.WithSessionStore(s.sessionStore),
		session.WithAuditService(s.auditLog),
		session.WithApprovalService(s.approvals),
		session.WithEventService(s.events),
		session.WithCoordinator(s.coord))
	if err != nil {
		return err
	}
	s.manager = manager
	return nil
}

func (s *Service) ensureBaseSetup() {
	if s.auditLog == nil {
		s.auditLog = auditmem.New()
	}
	if s.approvals == nil {
		s.approvals = approvalmem.New()
	}
	if s.events == nil {
		s.events = event.New()
	}
	if s.coord == nil {
		s.coord = coordinator.New(s.config.coordinatorConfig(),
			coordinator.WithAuditService(s.auditLog),
			coordinator.WithEventService(s.events))
	}
}

// Sessions returns the session manager, the single entry point for callers.
func (s *Service) Sessions() *session.Manager { return s.manager }

// Definition returns the workflow definition the engine runs.
func (s *Service) Definition() *model.Definition { return s.def }

// Events returns the event dispatcher for subscription.
func (s *Service) Events() *event.Service { return s.events }

// Audit returns the audit log.
func (s *Service) Audit() audit.Service { return s.auditLog }

// Approvals returns the approval service.
func (s *Service) Approvals() approval.Service { return s.approvals }

// Start launches the background loops: event dispatch, the presence sweeper
// and, when an approval expiry is configured, the request expirer.
func (s *Service) Start(ctx context.Context) {
	s.events.Start(ctx)
	s.stops = append(s.stops, s.events.Stop)

	interval := time.Duration(s.config.SweepIntervalMs) * time.Millisecond
	s.stops = append(s.stops, s.coord.StartSweeper(ctx, interval))

	if s.approvalSweep > 0 {
		s.stops = append(s.stops, approval.AutoExpire(ctx, s.approvals, "approval request expired", s.approvalSweep))
	}
}

// Shutdown stops the background loops in reverse start order.
func (s *Service) Shutdown() {
	for i := len(s.stops) - 1; i >= 0; i-- {
		s.stops[i]()
	}
	s.stops = nil
}
