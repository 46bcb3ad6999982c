package model

import (
	"fmt"
)

// Definition declares the fixed step sequence of a screening workflow
// together with the per-step field schema and role table.  Definitions are
// typically loaded from a YAML document at configuration time; unknown steps
// or fields submitted at runtime are rejected.
type Definition struct {
	// Name is the unique identifier for the workflow definition
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version specifies the definition version
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Steps defines the ordered stages of the workflow
	Steps []*StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition declares one stage: its registered fields, the roles allowed
// to edit and complete it, and the roles allowed to approve it.
type StepDefinition struct {
	Name string `json:"name" yaml:"name"`

	// Fields registers the editable fields; submissions against unregistered
	// names fail validation.
	Fields []*FieldDefinition `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Roles lists roles permitted to edit and transition the step.  Empty
	// means any role.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`

	// Approvers lists roles permitted to approve/reject the step once it
	// requires approval.
	Approvers []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`

	// RequiresApproval routes the step through the approval gate after
	// completion instead of advancing directly.
	RequiresApproval bool `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
}

// FieldDefinition declares a single field of a step.
type FieldDefinition struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Required fields must be populated before the step can complete.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Resolution optionally overrides the session-level conflict strategy
	// for this field.
	Resolution string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// Validate performs a best-effort structural validation of the definition.
// The returned slice is empty when the definition is sound; otherwise it
// contains human-readable error descriptions.
func (d *Definition) Validate() []error {
	var issues []error
	if len(d.Steps) == 0 {
		issues = append(issues, fmt.Errorf("definition %q has no steps", d.Name))
		return issues
	}
	seen := map[string]bool{}
	for _, step := range d.Steps {
		if step.Name == "" {
			issues = append(issues, fmt.Errorf("definition %q has unnamed step", d.Name))
			continue
		}
		if seen[step.Name] {
			issues = append(issues, fmt.Errorf("duplicate step %q", step.Name))
		}
		seen[step.Name] = true
		fields := map[string]bool{}
		for _, field := range step.Fields {
			if field.Name == "" {
				issues = append(issues, fmt.Errorf("step %q has unnamed field", step.Name))
				continue
			}
			if fields[field.Name] {
				issues = append(issues, fmt.Errorf("step %q has duplicate field %q", step.Name, field.Name))
			}
			fields[field.Name] = true
		}
	}
	return issues
}

// Step returns the definition of the named step, or nil.
func (d *Definition) Step(name string) *StepDefinition {
	for _, step := range d.Steps {
		if step.Name == name {
			return step
		}
	}
	return nil
}

// NextStep returns the step following name in sequence; ok is false when name
// is the terminal step or unknown.
func (d *Definition) NextStep(name string) (string, bool) {
	for i, step := range d.Steps {
		if step.Name == name && i+1 < len(d.Steps) {
			return d.Steps[i+1].Name, true
		}
	}
	return "", false
}

// Terminal reports whether name is the last configured step.
func (d *Definition) Terminal(name string) bool {
	return len(d.Steps) > 0 && d.Steps[len(d.Steps)-1].Name == name
}

// Field returns the definition of field within step, or nil.
func (s *StepDefinition) Field(name string) *FieldDefinition {
	for _, field := range s.Fields {
		if field.Name == name {
			return field
		}
	}
	return nil
}

// RoleAllowed reports whether role may edit and transition the step.
func (s *StepDefinition) RoleAllowed(role string) bool {
	if len(s.Roles) == 0 {
		return true
	}
	for _, candidate := range s.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// ApproverAllowed reports whether role may approve or reject the step.
func (s *StepDefinition) ApproverAllowed(role string) bool {
	for _, candidate := range s.Approvers {
		if candidate == role {
			return true
		}
	}
	return false
}

// RequiredFields returns the names of fields that must be populated before
// the step can reach completed state.
func (s *StepDefinition) RequiredFields() []string {
	var ret []string
	for _, field := range s.Fields {
		if field.Required {
			ret = append(ret, field.Name)
		}
	}
	return ret
}

// NewSession materialises a fresh session from the definition: every step
// pending except the first, which starts in progress.
func (d *Definition) NewSession(id, patientID string) *Session {
	ret := &Session{
		ID:          id,
		PatientID:   patientID,
		Status:      SessionActive,
		ActiveUsers: map[string]*User{},
	}
	for i, step := range d.Steps {
		status := StepPending
		if i == 0 {
			status = StepInProgress
			ret.CurrentStep = step.Name
		}
		ret.Steps = append(ret.Steps, &WorkflowStep{
			Name:   step.Name,
			Status: status,
			Fields: map[string]*FieldVersion{},
		})
	}
	return ret
}
