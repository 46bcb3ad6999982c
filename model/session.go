package model

import (
	"time"
)

// Step status constants
const (
	StepPending          = "pending"
	StepInProgress       = "in_progress"
	StepCompleted        = "completed"
	StepRequiresApproval = "requires_approval"
	StepApproved         = "approved"
	StepRejected         = "rejected"
	StepLocked           = "locked"
)

// Session status constants
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// User identifies an already-authenticated caller.  The triple is supplied by
// an external identity provider and is trusted as-is; the engine never
// re-verifies credentials.
type User struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

// Session is one patient's end-to-end screening workflow instance spanning
// multiple steps and staff members.  It is owned exclusively by the session
// manager and mutated only through its operations.
type Session struct {
	ID          string                 `json:"id"`
	PatientID   string                 `json:"patientId"`
	CurrentStep string                 `json:"currentStep"`
	Status      string                 `json:"status"`
	SCN         int                    `json:"scn"` // session change number, bumped on every structural update
	Steps       []*WorkflowStep        `json:"steps"`
	ActiveUsers map[string]*User       `json:"activeUsers,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	// IntegrityCompromised is latched when chain verification fails; all
	// further approval actions are blocked until manually reconciled.
	IntegrityCompromised bool      `json:"integrityCompromised,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// WorkflowStep is a named stage with its own fields and status.
type WorkflowStep struct {
	Name         string                   `json:"name"`
	Status       string                   `json:"status"`
	AssignedUser string                   `json:"assignedUser,omitempty"`
	Fields       map[string]*FieldVersion `json:"fields,omitempty"`
	CompletedBy  string                   `json:"completedBy,omitempty"`
	CompletedAt  *time.Time               `json:"completedAt,omitempty"`
}

// Step returns the step with the supplied name, or nil.
func (s *Session) Step(name string) *WorkflowStep {
	for _, step := range s.Steps {
		if step.Name == name {
			return step
		}
	}
	return nil
}

// StepIndex returns the position of the named step, or -1.
func (s *Session) StepIndex(name string) int {
	for i, step := range s.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// Editable reports whether field writes may currently target the step.
func (w *WorkflowStep) Editable() bool {
	switch w.Status {
	case StepApproved, StepLocked:
		return false
	}
	return true
}

// Field returns the current version record for a field, creating it lazily.
func (w *WorkflowStep) Field(name string) *FieldVersion {
	if w.Fields == nil {
		w.Fields = make(map[string]*FieldVersion)
	}
	fv, ok := w.Fields[name]
	if !ok {
		fv = &FieldVersion{Name: name}
		w.Fields[name] = fv
	}
	return fv
}

// Clone returns a deep copy of the session so that callers can never mutate
// engine-owned state through a returned snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	ret := *s
	ret.Steps = make([]*WorkflowStep, len(s.Steps))
	for i, step := range s.Steps {
		cp := *step
		if step.Fields != nil {
			cp.Fields = make(map[string]*FieldVersion, len(step.Fields))
			for k, v := range step.Fields {
				cp.Fields[k] = v.Clone()
			}
		}
		if step.CompletedAt != nil {
			at := *step.CompletedAt
			cp.CompletedAt = &at
		}
		ret.Steps[i] = &cp
	}
	if s.ActiveUsers != nil {
		ret.ActiveUsers = make(map[string]*User, len(s.ActiveUsers))
		for k, v := range s.ActiveUsers {
			u := *v
			ret.ActiveUsers[k] = &u
		}
	}
	if s.Metadata != nil {
		ret.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			ret.Metadata[k] = v
		}
	}
	return &ret
}
