package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func screeningDefinition() *Definition {
	return &Definition{
		Name: "vision-screening",
		Steps: []*StepDefinition{
			{
				Name:  "registration",
				Roles: []string{"nurse", "admin"},
				Fields: []*FieldDefinition{
					{Name: "patient_name", Type: "string", Required: true},
					{Name: "insurance_no", Type: "string"},
				},
			},
			{
				Name:  "initial_assessment",
				Roles: []string{"nurse"},
				Fields: []*FieldDefinition{
					{Name: "medical_history", Type: "string", Required: true},
				},
			},
			{
				Name:             "doctor_diagnosis",
				Roles:            []string{"doctor"},
				Approvers:        []string{"supervisor"},
				RequiresApproval: true,
				Fields: []*FieldDefinition{
					{Name: "diagnosis", Type: "string", Required: true},
					{Name: "notes", Type: "string"},
				},
			},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	testCases := []struct {
		name       string
		definition *Definition
		hasIssues  bool
	}{
		{
			name:       "valid definition",
			definition: screeningDefinition(),
		},
		{
			name:       "no steps",
			definition: &Definition{Name: "empty"},
			hasIssues:  true,
		},
		{
			name: "duplicate step",
			definition: &Definition{Steps: []*StepDefinition{
				{Name: "registration"},
				{Name: "registration"},
			}},
			hasIssues: true,
		},
		{
			name: "duplicate field",
			definition: &Definition{Steps: []*StepDefinition{
				{Name: "registration", Fields: []*FieldDefinition{
					{Name: "patient_name"},
					{Name: "patient_name"},
				}},
			}},
			hasIssues: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			issues := tc.definition.Validate()
			if tc.hasIssues {
				assert.NotEmpty(t, issues)
				return
			}
			assert.Empty(t, issues)
		})
	}
}

func TestDefinitionSequence(t *testing.T) {
	def := screeningDefinition()

	next, ok := def.NextStep("registration")
	assert.True(t, ok)
	assert.Equal(t, "initial_assessment", next)

	_, ok = def.NextStep("doctor_diagnosis")
	assert.False(t, ok)
	assert.True(t, def.Terminal("doctor_diagnosis"))
	assert.False(t, def.Terminal("registration"))

	step := def.Step("doctor_diagnosis")
	assert.True(t, step.RoleAllowed("doctor"))
	assert.False(t, step.RoleAllowed("nurse"))
	assert.True(t, step.ApproverAllowed("supervisor"))
	assert.False(t, step.ApproverAllowed("doctor"))
	assert.Equal(t, []string{"diagnosis"}, step.RequiredFields())
}

func TestNewSession(t *testing.T) {
	def := screeningDefinition()
	session := def.NewSession("s1", "patient-1")

	assert.Equal(t, "registration", session.CurrentStep)
	assert.Equal(t, SessionActive, session.Status)
	assert.Equal(t, StepInProgress, session.Step("registration").Status)
	assert.Equal(t, StepPending, session.Step("initial_assessment").Status)
	assert.Equal(t, StepPending, session.Step("doctor_diagnosis").Status)
}

func TestSessionClone(t *testing.T) {
	def := screeningDefinition()
	session := def.NewSession("s1", "patient-1")
	session.Step("registration").Field("patient_name").Value = "Jan Kowalski"

	snapshot := session.Clone()
	snapshot.Step("registration").Field("patient_name").Value = "tampered"
	snapshot.Status = SessionCompleted

	assert.Equal(t, "Jan Kowalski", session.Step("registration").Field("patient_name").Value)
	assert.Equal(t, SessionActive, session.Status)
}
