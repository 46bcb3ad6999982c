// Package fieldqueue serializes concurrent edits to individual fields and
// resolves the conflicts they produce.  Changes are stamped with an arrival
// timestamp plus a per-bucket monotonically increasing sequence number, which
// yields a strict total order within one (session, step, field) bucket even
// under identical timestamps.  Buckets are independent; edits to different
// fields or steps proceed fully in parallel.
package fieldqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/internal/idgen"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/approval"
	"github.com/medscreen/collab/service/audit"
	"github.com/medscreen/collab/service/coordinator"
	"github.com/medscreen/collab/service/event"
)

type bucketKey struct {
	sessionID string
	step      string
	field     string
}

type bucket struct {
	seq     uint64
	pending []*model.FieldChange
}

// Conflict records competing edits to one field so that the discrepancy stays
// visible even when resolution was deterministic.
type Conflict struct {
	SessionID  string               `json:"sessionId"`
	Step       string               `json:"step"`
	Field      string               `json:"field"`
	Resolution string               `json:"resolution"`
	Changes    []*model.FieldChange `json:"changes"`
	WinnerID   string               `json:"winnerId,omitempty"` // change whose value was stored
	Diff       string               `json:"diff,omitempty"`     // unified diff between competing values
}

// Users returns the distinct submitters involved in the conflict.
func (c *Conflict) Users() []string {
	seen := map[string]bool{}
	var out []string
	for _, change := range c.Changes {
		if !seen[change.UserID] {
			seen[change.UserID] = true
			out = append(out, change.UserID)
		}
	}
	return out
}

// Outcome summarises one ProcessPending invocation.
type Outcome struct {
	Applied   int
	Conflicts []*Conflict
	Tickets   []*approval.Request
}

// Service is the field change queue / conflict resolver.
type Service struct {
	def       *model.Definition
	pol       *policy.Policy
	auditLog  audit.Service
	events    *event.Service
	approvals approval.Service
	coord     *coordinator.Service

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	// frozen maps a bucket under a manual conflict ticket to the ticket id;
	// writes are rejected until the ticket is resolved.
	frozen map[bucketKey]string
	// contested keeps the competing changes attached to their ticket.
	contested map[string][]*model.FieldChange
}

// Option customises the service.
type Option func(*Service)

// WithPolicy sets the session-level coordination policy.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.pol = p }
}

// WithAuditService mirrors every accepted change into the audit log.
func WithAuditService(svc audit.Service) Option {
	return func(s *Service) { s.auditLog = svc }
}

// WithEventService broadcasts applied changes and detected conflicts.
func WithEventService(svc *event.Service) Option {
	return func(s *Service) { s.events = svc }
}

// WithApprovalService is required for the manual resolution strategy; it
// stores the conflict tickets.
func WithApprovalService(svc approval.Service) Option {
	return func(s *Service) { s.approvals = svc }
}

// WithCoordinator enables exclusive-mode enforcement at submit time.
func WithCoordinator(coord *coordinator.Service) Option {
	return func(s *Service) { s.coord = coord }
}

// New creates the queue for one workflow definition.
func New(def *model.Definition, options ...Option) *Service {
	ret := &Service{
		def:       def,
		buckets:   make(map[bucketKey]*bucket),
		frozen:    make(map[bucketKey]string),
		contested: make(map[string][]*model.FieldChange),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SubmitOption customises one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	expectedVersion *int
	override        bool
}

// WithExpectedVersion supplies an optimistic-concurrency token; a stale value
// is rejected with a conflict error, requiring the caller to refresh and
// retry.
func WithExpectedVersion(version int) SubmitOption {
	return func(o *submitOptions) { o.expectedVersion = &version }
}

// WithOverride permits writes to a locked step, e.g. for the approver during
// a pending sign-off.
func WithOverride() SubmitOption {
	return func(o *submitOptions) { o.override = true }
}

// SubmitChange validates and enqueues one edit.  The change is not applied
// until ProcessPending runs for the step.
func (s *Service) SubmitChange(ctx context.Context, session *model.Session, step, field string,
	value interface{}, user model.User, options ...SubmitOption) (*model.FieldChange, error) {

	opts := &submitOptions{}
	for _, option := range options {
		option(opts)
	}

	stepDef := s.def.Step(step)
	if stepDef == nil {
		return nil, types.NewNotFoundError("step", step)
	}
	fieldDef := stepDef.Field(field)
	if fieldDef == nil {
		return nil, types.NewValidationError("unknown field %q in step %q", field, step)
	}
	workflowStep := session.Step(step)
	if workflowStep == nil {
		return nil, types.NewNotFoundError("step", step)
	}
	// while a step awaits sign-off only its approvers may still edit it
	if workflowStep.Status == model.StepRequiresApproval {
		if !stepDef.ApproverAllowed(user.Role) && !opts.override {
			return nil, types.NewConflictError("step %q awaits approval, only an approver may edit it", step)
		}
	} else if !stepDef.RoleAllowed(user.Role) {
		return nil, types.NewPermissionError(user.Role, "edit step "+step)
	}
	if !workflowStep.Editable() && !opts.override {
		return nil, types.NewConflictError("step %q is %s; reopen it before editing", step, workflowStep.Status)
	}

	key := bucketKey{sessionID: session.ID, step: step, field: field}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ticketID, ok := s.frozen[key]; ok {
		return nil, types.NewConflictError("field %q is frozen pending conflict ticket %s", field, ticketID)
	}
	if s.pol.AccessModeOrDefault() == policy.AccessExclusive && s.coord != nil {
		holder, held := s.coord.Holder(session.ID, step)
		if !held {
			return nil, fmt.Errorf("%w: step %q requires a lock in exclusive mode", types.ErrLockHeld, step)
		}
		if holder.UserID != user.ID {
			return nil, types.NewLockHeldError(holder.UserID, step)
		}
	}

	current := workflowStep.Field(field)
	if opts.expectedVersion != nil && *opts.expectedVersion != current.Version {
		return nil, types.NewConflictError("stale version token %d for field %q (current %d)",
			*opts.expectedVersion, field, current.Version)
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	change := &model.FieldChange{
		ID:              idgen.New(),
		SessionID:       session.ID,
		Step:            step,
		Field:           field,
		OldValue:        current.Value,
		NewValue:        value,
		UserID:          user.ID,
		SubmittedAt:     clock.Now(),
		Seq:             b.seq,
		ExpectedVersion: opts.expectedVersion,
	}
	b.seq++
	b.pending = append(b.pending, change)

	s.appendAudit(ctx, session.ID, audit.ActionFieldSubmitted, user.ID, map[string]interface{}{
		"step":  step,
		"field": field,
		"seq":   change.Seq,
	})
	return change, nil
}

// Pending returns the number of queued, unprocessed changes for a step.
func (s *Service) Pending(sessionID, step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, b := range s.buckets {
		if key.sessionID == sessionID && key.step == step {
			count += len(b.pending)
		}
	}
	return count
}

// ProcessPending drains a finite snapshot of queued changes for the step,
// groups them by field and applies each group in ascending
// (timestamp, sequence) order under the configured resolution strategy.
func (s *Service) ProcessPending(ctx context.Context, session *model.Session, step string) (*Outcome, error) {
	stepDef := s.def.Step(step)
	if stepDef == nil {
		return nil, types.NewNotFoundError("step", step)
	}
	workflowStep := session.Step(step)
	if workflowStep == nil {
		return nil, types.NewNotFoundError("step", step)
	}

	// snapshot and clear the step's buckets under the mutex; application
	// happens on the snapshot so one invocation never blocks indefinitely
	s.mu.Lock()
	snapshot := make(map[string][]*model.FieldChange)
	for key, b := range s.buckets {
		if key.sessionID == session.ID && key.step == step && len(b.pending) > 0 {
			snapshot[key.field] = b.pending
			b.pending = nil
		}
	}
	s.mu.Unlock()

	outcome := &Outcome{}
	// deterministic field order
	fields := make([]string, 0, len(snapshot))
	for field := range snapshot {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		changes := snapshot[field]
		sort.SliceStable(changes, func(i, j int) bool {
			if changes[i].SubmittedAt.Equal(changes[j].SubmittedAt) {
				return changes[i].Seq < changes[j].Seq
			}
			return changes[i].SubmittedAt.Before(changes[j].SubmittedAt)
		})
		if err := s.resolveBucket(ctx, session, workflowStep, stepDef, field, changes, outcome); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func (s *Service) appendAudit(ctx context.Context, sessionID, action, userID string, details map[string]interface{}) {
	if s.auditLog != nil {
		_, _ = s.auditLog.Append(ctx, sessionID, action, userID, details)
	}
}

func (s *Service) publish(ctx context.Context, e *event.Event) {
	if s.events != nil {
		_ = s.events.Publish(ctx, e)
	}
}
