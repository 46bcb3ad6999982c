// Package stepflow enforces ordered, role-gated progression of a session
// through its workflow steps.
package stepflow

import (
	"context"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/audit"
	"github.com/medscreen/collab/service/event"
)

// allowedTransitions is the static step status graph.  rejected reopens to
// in_progress automatically; approved leaves only through an explicit reopen.
var allowedTransitions = map[string][]string{
	model.StepPending:          {model.StepInProgress},
	model.StepInProgress:       {model.StepCompleted, model.StepRequiresApproval},
	model.StepCompleted:        {model.StepApproved, model.StepRequiresApproval},
	model.StepRequiresApproval: {model.StepApproved, model.StepRejected, model.StepCompleted},
	model.StepRejected:         {model.StepInProgress},
	model.StepApproved:         {model.StepInProgress},
}

// CanTransition reports whether from -> to is a legal step status change.
func CanTransition(from, to string) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Service drives step transitions for one workflow definition.
type Service struct {
	def      *model.Definition
	pol      *policy.Policy
	auditLog audit.Service
	events   *event.Service
}

// Option customises the service.
type Option func(*Service)

// WithPolicy sets the session-level coordination policy.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.pol = p }
}

// WithAuditService mirrors every transition into the audit log.
func WithAuditService(svc audit.Service) Option {
	return func(s *Service) { s.auditLog = svc }
}

// WithEventService broadcasts step transitions.
func WithEventService(svc *event.Service) Option {
	return func(s *Service) { s.events = svc }
}

// New creates a step state machine for the definition.
func New(def *model.Definition, options ...Option) *Service {
	ret := &Service{def: def}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (s *Service) resolve(session *model.Session, step string) (*model.StepDefinition, *model.WorkflowStep, error) {
	stepDef := s.def.Step(step)
	if stepDef == nil {
		return nil, nil, types.NewNotFoundError("step", step)
	}
	workflowStep := session.Step(step)
	if workflowStep == nil {
		return nil, nil, types.NewNotFoundError("step", step)
	}
	return stepDef, workflowStep, nil
}

// transition applies from -> to after checking the transition table, and
// records the change.
func (s *Service) transition(ctx context.Context, session *model.Session,
	workflowStep *model.WorkflowStep, to, userID string, details map[string]interface{}) error {

	from := workflowStep.Status
	if !CanTransition(from, to) {
		return types.NewConflictError("step %q cannot move from %s to %s", workflowStep.Name, from, to)
	}
	workflowStep.Status = to

	if details == nil {
		details = map[string]interface{}{}
	}
	details["step"] = workflowStep.Name
	details["from"] = from
	details["to"] = to
	if s.auditLog != nil {
		_, _ = s.auditLog.Append(ctx, session.ID, audit.ActionStepTransition, userID, details)
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, &event.Event{
			Type:      event.TypeStepTransition,
			SessionID: session.ID,
			Step:      workflowStep.Name,
			UserID:    userID,
			Data:      map[string]interface{}{"from": from, "to": to},
		})
	}
	return nil
}

// Complete moves an in-progress step to completed.  The caller's role must be
// permitted for the step and every required field must be populated.  Unless
// the step routes through the approval gate, completion auto-advances the
// session; a terminal step without an approval requirement finishes the
// session outright.
func (s *Service) Complete(ctx context.Context, session *model.Session, step string, user model.User) error {
	stepDef, workflowStep, err := s.resolve(session, step)
	if err != nil {
		return err
	}
	if !stepDef.RoleAllowed(user.Role) {
		return types.NewPermissionError(user.Role, "complete step "+step)
	}
	if missing := s.missingRequired(stepDef, workflowStep); len(missing) > 0 {
		return types.NewValidationError("step %q has unpopulated required fields %v", step, missing)
	}
	if err := s.transition(ctx, session, workflowStep, model.StepCompleted, user.ID, nil); err != nil {
		return err
	}
	now := clock.Now()
	workflowStep.CompletedBy = user.ID
	workflowStep.CompletedAt = &now

	if stepDef.RequiresApproval || reapproveFlagged(session, step) {
		// the step waits at completed until an approval request moves it on
		return nil
	}
	// no sign-off configured, the step is final as soon as it completes
	if err := s.transition(ctx, session, workflowStep, model.StepApproved, user.ID, nil); err != nil {
		return err
	}
	return s.advance(ctx, session, step, user.ID)
}

// missingRequired lists required fields that hold no value yet.
func (s *Service) missingRequired(stepDef *model.StepDefinition, workflowStep *model.WorkflowStep) []string {
	var missing []string
	for _, name := range stepDef.RequiredFields() {
		fv, ok := workflowStep.Fields[name]
		if !ok || !fv.Populated() {
			missing = append(missing, name)
		}
	}
	return missing
}

// RequireApproval parks the step at requires_approval pending sign-off.
func (s *Service) RequireApproval(ctx context.Context, session *model.Session, step string, user model.User) error {
	_, workflowStep, err := s.resolve(session, step)
	if err != nil {
		return err
	}
	return s.transition(ctx, session, workflowStep, model.StepRequiresApproval, user.ID, nil)
}

// Approve finalises a step awaiting sign-off and advances the session; the
// terminal step's approval completes the whole session.
func (s *Service) Approve(ctx context.Context, session *model.Session, step string, approver model.User, notes string) error {
	stepDef, workflowStep, err := s.resolve(session, step)
	if err != nil {
		return err
	}
	if len(stepDef.Approvers) > 0 && !stepDef.ApproverAllowed(approver.Role) {
		return types.NewPermissionError(approver.Role, "approve step "+step)
	}
	details := map[string]interface{}{}
	if notes != "" {
		details["notes"] = notes
	}
	if err := s.transition(ctx, session, workflowStep, model.StepApproved, approver.ID, details); err != nil {
		return err
	}
	clearReapproveFlag(session, step)
	return s.advance(ctx, session, step, approver.ID)
}

// Resume returns a step awaiting sign-off to completed, e.g. after the
// requester withdraws the approval request.
func (s *Service) Resume(ctx context.Context, session *model.Session, step string, user model.User) error {
	_, workflowStep, err := s.resolve(session, step)
	if err != nil {
		return err
	}
	return s.transition(ctx, session, workflowStep, model.StepCompleted, user.ID, nil)
}

// Reject sends a step back for rework.  The rejection reason is recorded
// verbatim and the step reopens for editing immediately.
func (s *Service) Reject(ctx context.Context, session *model.Session, step string, approver model.User, reason string) error {
	stepDef, workflowStep, err := s.resolve(session, step)
	if err != nil {
		return err
	}
	if len(stepDef.Approvers) > 0 && !stepDef.ApproverAllowed(approver.Role) {
		return types.NewPermissionError(approver.Role, "reject step "+step)
	}
	if err := s.transition(ctx, session, workflowStep, model.StepRejected, approver.ID,
		map[string]interface{}{"reason": reason}); err != nil {
		return err
	}
	// rework loop, rejected steps reopen without a separate caller action
	if err := s.transition(ctx, session, workflowStep, model.StepInProgress, approver.ID, nil); err != nil {
		return err
	}
	session.CurrentStep = step
	workflowStep.CompletedBy = ""
	workflowStep.CompletedAt = nil
	return nil
}

// Reopen unlocks an approved step for editing.  The justification is recorded
// and the session's current step rolls back so the rework is visible.
func (s *Service) Reopen(ctx context.Context, session *model.Session, step string, user model.User, justification string) error {
	stepDef, workflowStep, err := s.resolve(session, step)
	if err != nil {
		return err
	}
	if !stepDef.RoleAllowed(user.Role) {
		return types.NewPermissionError(user.Role, "reopen step "+step)
	}
	if justification == "" {
		return types.NewValidationError("reopening step %q requires a justification", step)
	}
	if workflowStep.Status != model.StepApproved {
		return types.NewConflictError("step %q is %s, only approved steps can be reopened", step, workflowStep.Status)
	}
	if err := s.transition(ctx, session, workflowStep, model.StepInProgress, user.ID,
		map[string]interface{}{"justification": justification}); err != nil {
		return err
	}
	if s.auditLog != nil {
		_, _ = s.auditLog.Append(ctx, session.ID, audit.ActionStepReopened, user.ID,
			map[string]interface{}{"step": step, "justification": justification})
	}
	session.CurrentStep = step
	workflowStep.CompletedBy = ""
	workflowStep.CompletedAt = nil
	if session.Status == model.SessionCompleted {
		session.Status = model.SessionActive
	}
	if s.pol != nil && s.pol.ReapproveOnReopen {
		setReapproveFlag(session, step)
	}
	return nil
}

const reapproveMetaPrefix = "reapprove."

// Reopened steps can be flagged so that their next completion routes through
// the approval gate again even when the step normally would not.  The flag
// lives in session metadata so it survives persistence round trips.
func setReapproveFlag(session *model.Session, step string) {
	if session.Metadata == nil {
		session.Metadata = map[string]interface{}{}
	}
	session.Metadata[reapproveMetaPrefix+step] = true
}

func clearReapproveFlag(session *model.Session, step string) {
	delete(session.Metadata, reapproveMetaPrefix+step)
}

func reapproveFlagged(session *model.Session, step string) bool {
	flagged, _ := session.Metadata[reapproveMetaPrefix+step].(bool)
	return flagged
}

// advance moves the session's current step pointer forward, or completes the
// session when the approved step was terminal.
func (s *Service) advance(ctx context.Context, session *model.Session, step, userID string) error {
	next, ok := s.def.NextStep(step)
	if !ok {
		session.Status = model.SessionCompleted
		if s.auditLog != nil {
			_, _ = s.auditLog.Append(ctx, session.ID, audit.ActionStepTransition, userID,
				map[string]interface{}{"session": "completed"})
		}
		if s.events != nil {
			_ = s.events.Publish(ctx, &event.Event{
				Type:      event.TypeSessionCompleted,
				SessionID: session.ID,
				UserID:    userID,
			})
		}
		return nil
	}
	nextStep := session.Step(next)
	if nextStep == nil {
		return types.NewNotFoundError("step", next)
	}
	if nextStep.Status == model.StepPending {
		if err := s.transition(ctx, session, nextStep, model.StepInProgress, userID, nil); err != nil {
			return err
		}
	}
	session.CurrentStep = next
	return nil
}
