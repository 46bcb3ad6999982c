package fieldqueue

import (
	"context"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/approval"
	"github.com/medscreen/collab/service/audit"
	"github.com/medscreen/collab/service/event"
)

// resolveBucket applies one field's ordered pending changes.  Two or more
// changes from different users arriving within the conflict window constitute
// a conflict and are routed through the configured strategy.
func (s *Service) resolveBucket(ctx context.Context, session *model.Session,
	workflowStep *model.WorkflowStep, stepDef *model.StepDefinition,
	field string, changes []*model.FieldChange, outcome *Outcome) error {

	resolution := s.pol.ResolutionOrDefault()
	if fieldDef := stepDef.Field(field); fieldDef != nil && fieldDef.Resolution != "" {
		resolution = fieldDef.Resolution
	}

	if !s.isConflict(changes) {
		for _, change := range changes {
			s.apply(ctx, session, workflowStep, change)
			outcome.Applied++
		}
		return nil
	}

	switch resolution {
	case policy.ResolutionManual:
		return s.freezeBucket(ctx, session, field, changes, outcome)
	case policy.ResolutionMerge:
		return s.mergeBucket(ctx, session, workflowStep, field, changes, outcome)
	default: // last-committed-wins
		return s.lastCommittedWins(ctx, session, workflowStep, field, changes, outcome)
	}
}

// isConflict reports whether the ordered changes represent concurrent edits:
// any two changes from distinct submitters within the conflict window of each
// other.  The check is pairwise; a straggler arriving long after the
// contested pair never masks it.
func (s *Service) isConflict(changes []*model.FieldChange) bool {
	window := s.pol.Window()
	for i := 0; i < len(changes); i++ {
		for j := i + 1; j < len(changes); j++ {
			if changes[j].SubmittedAt.Sub(changes[i].SubmittedAt) > window {
				break
			}
			if changes[j].UserID != changes[i].UserID {
				return true
			}
		}
	}
	return false
}

// apply commits one accepted change: version bump, history append, audit
// entry and broadcast.
func (s *Service) apply(ctx context.Context, session *model.Session,
	workflowStep *model.WorkflowStep, change *model.FieldChange) {

	fv := workflowStep.Field(change.Field)
	fv.Version++
	fv.Value = change.NewValue
	fv.LastUpdatedBy = change.UserID
	at := change.SubmittedAt
	fv.LastUpdatedAt = &at
	fv.History = append(fv.History, &model.FieldRevision{
		ChangeID: change.ID,
		Value:    change.NewValue,
		UserID:   change.UserID,
		At:       change.SubmittedAt,
	})
	change.Processed = true

	s.appendAudit(ctx, session.ID, audit.ActionFieldApplied, change.UserID, map[string]interface{}{
		"step":    change.Step,
		"field":   change.Field,
		"version": fv.Version,
	})
	s.publish(ctx, &event.Event{
		Type:      event.TypeFieldApplied,
		SessionID: session.ID,
		Step:      change.Step,
		UserID:    change.UserID,
		Data:      map[string]interface{}{"field": change.Field, "version": fv.Version},
	})
}

// lastCommittedWins applies every competing change in arrival order so the
// chronologically latest value ends up stored, and emits a conflict record
// noting all competing users and values.
func (s *Service) lastCommittedWins(ctx context.Context, session *model.Session,
	workflowStep *model.WorkflowStep, field string,
	changes []*model.FieldChange, outcome *Outcome) error {

	for _, change := range changes {
		s.apply(ctx, session, workflowStep, change)
		outcome.Applied++
	}
	winner := changes[len(changes)-1]
	conflict := &Conflict{
		SessionID:  session.ID,
		Step:       winner.Step,
		Field:      field,
		Resolution: policy.ResolutionLastCommitted,
		Changes:    changes,
		WinnerID:   winner.ID,
		Diff:       valueDiff(changes[0].NewValue, winner.NewValue),
	}
	s.recordConflict(ctx, session, conflict)
	outcome.Conflicts = append(outcome.Conflicts, conflict)
	return nil
}

// mergeBucket merges string values; scalar and enum fields fall back to
// last-committed-wins.
func (s *Service) mergeBucket(ctx context.Context, session *model.Session,
	workflowStep *model.WorkflowStep, field string,
	changes []*model.FieldChange, outcome *Outcome) error {

	values := make([]string, 0, len(changes))
	for _, change := range changes {
		text, ok := change.NewValue.(string)
		if !ok {
			return s.lastCommittedWins(ctx, session, workflowStep, field, changes, outcome)
		}
		values = append(values, text)
	}

	for _, change := range changes {
		s.apply(ctx, session, workflowStep, change)
		outcome.Applied++
	}
	merged := mergeStrings(values)
	fv := workflowStep.Field(field)
	fv.Value = merged

	winner := changes[len(changes)-1]
	conflict := &Conflict{
		SessionID:  session.ID,
		Step:       winner.Step,
		Field:      field,
		Resolution: policy.ResolutionMerge,
		Changes:    changes,
		WinnerID:   winner.ID,
		Diff:       valueDiff(values[0], merged),
	}
	s.recordConflict(ctx, session, conflict)
	outcome.Conflicts = append(outcome.Conflicts, conflict)
	return nil
}

// freezeBucket parks the competing changes behind a conflict ticket; no
// further writes to the field succeed until a designated resolver picks a
// final value.
func (s *Service) freezeBucket(ctx context.Context, session *model.Session,
	field string, changes []*model.FieldChange, outcome *Outcome) error {

	if s.approvals == nil {
		return types.NewValidationError("manual resolution requires an approval service")
	}
	first := changes[0]
	ticket := &approval.Request{
		Kind:        approval.KindConflict,
		SessionID:   session.ID,
		Step:        first.Step,
		Field:       field,
		RequestedBy: first.UserID,
		Notes:       valueDiff(first.NewValue, changes[len(changes)-1].NewValue),
	}
	if err := s.approvals.RequestApproval(ctx, ticket); err != nil {
		return err
	}

	key := bucketKey{sessionID: session.ID, step: first.Step, field: field}
	s.mu.Lock()
	s.frozen[key] = ticket.ID
	s.contested[ticket.ID] = changes
	s.mu.Unlock()

	conflict := &Conflict{
		SessionID:  session.ID,
		Step:       first.Step,
		Field:      field,
		Resolution: policy.ResolutionManual,
		Changes:    changes,
	}
	s.appendAudit(ctx, session.ID, audit.ActionConflictTicket, first.UserID, map[string]interface{}{
		"step":   first.Step,
		"field":  field,
		"ticket": ticket.ID,
		"users":  conflict.Users(),
	})
	s.publish(ctx, &event.Event{
		Type:      event.TypeConflictDetected,
		SessionID: session.ID,
		Step:      first.Step,
		Data:      map[string]interface{}{"field": field, "ticket": ticket.ID},
	})
	outcome.Conflicts = append(outcome.Conflicts, conflict)
	outcome.Tickets = append(outcome.Tickets, ticket)
	return nil
}

// Contested returns the competing changes attached to a conflict ticket.
func (s *Service) Contested(ticketID string) []*model.FieldChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.FieldChange(nil), s.contested[ticketID]...)
}

// ResolveConflict lets a designated resolver pick the final value of a frozen
// field.  The ticket is decided, the field unfrozen and the chosen value
// applied as one accepted change.
func (s *Service) ResolveConflict(ctx context.Context, session *model.Session, ticketID string,
	resolver model.User, finalValue interface{}) error {

	if s.approvals == nil {
		return types.NewValidationError("manual resolution requires an approval service")
	}
	ticket, err := s.approvals.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil || ticket.Kind != approval.KindConflict {
		return types.NewNotFoundError("conflict ticket", ticketID)
	}
	stepDef := s.def.Step(ticket.Step)
	if stepDef == nil {
		return types.NewNotFoundError("step", ticket.Step)
	}
	if len(stepDef.Approvers) > 0 && !stepDef.ApproverAllowed(resolver.Role) {
		return types.NewPermissionError(resolver.Role, "resolve conflicts on step "+ticket.Step)
	}
	if _, err := s.approvals.Decide(ctx, ticketID, resolver.ID, true, "conflict resolved"); err != nil {
		return err
	}

	key := bucketKey{sessionID: ticket.SessionID, step: ticket.Step, field: ticket.Field}
	s.mu.Lock()
	delete(s.frozen, key)
	delete(s.contested, ticketID)
	s.mu.Unlock()

	workflowStep := session.Step(ticket.Step)
	if workflowStep == nil {
		return types.NewNotFoundError("step", ticket.Step)
	}
	s.apply(ctx, session, workflowStep, &model.FieldChange{
		ID:          ticketID,
		SessionID:   session.ID,
		Step:        ticket.Step,
		Field:       ticket.Field,
		NewValue:    finalValue,
		UserID:      resolver.ID,
		SubmittedAt: clock.Now(),
	})
	s.appendAudit(ctx, session.ID, audit.ActionConflictResolved, resolver.ID, map[string]interface{}{
		"step":   ticket.Step,
		"field":  ticket.Field,
		"ticket": ticketID,
	})
	return nil
}

// recordConflict audits and broadcasts a deterministically resolved conflict.
func (s *Service) recordConflict(ctx context.Context, session *model.Session, conflict *Conflict) {
	winner := conflict.Changes[len(conflict.Changes)-1]
	s.appendAudit(ctx, session.ID, audit.ActionConflictResolved, winner.UserID, map[string]interface{}{
		"step":       conflict.Step,
		"field":      conflict.Field,
		"resolution": conflict.Resolution,
		"users":      conflict.Users(),
	})
	s.publish(ctx, &event.Event{
		Type:      event.TypeConflictDetected,
		SessionID: session.ID,
		Step:      conflict.Step,
		Data: map[string]interface{}{
			"field":      conflict.Field,
			"resolution": conflict.Resolution,
			"users":      conflict.Users(),
		},
	})
}

// mergeStrings folds competing string values left to right: a value that
// already contains its predecessor supersedes it, otherwise the values are
// concatenated.
func mergeStrings(values []string) string {
	merged := values[0]
	for _, value := range values[1:] {
		switch {
		case strings.Contains(value, merged):
			merged = value
		case strings.Contains(merged, value):
			// already covered
		default:
			merged = merged + "; " + value
		}
	}
	return merged
}

// valueDiff renders a unified diff between two values when both are strings.
func valueDiff(a, b interface{}) string {
	left, okA := a.(string)
	right, okB := b.(string)
	if !okA || !okB || left == right {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(left),
		B:        difflib.SplitLines(right),
		FromFile: "submitted",
		ToFile:   "stored",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	return diff
}
