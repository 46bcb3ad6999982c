package stepflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/policy"
)

var (
	nurse      = model.User{ID: "n1", Role: "nurse"}
	doctor     = model.User{ID: "d1", Role: "doctor"}
	supervisor = model.User{ID: "sup1", Role: "supervisor"}
)

func testDefinition() *model.Definition {
	return &model.Definition{
		Name: "vision-screening",
		Steps: []*model.StepDefinition{
			{
				Name:  "registration",
				Roles: []string{"nurse", "admin"},
				Fields: []*model.FieldDefinition{
					{Name: "patient_name", Type: "string", Required: true},
				},
			},
			{
				Name:  "initial_assessment",
				Roles: []string{"nurse"},
				Fields: []*model.FieldDefinition{
					{Name: "medical_history", Type: "string"},
				},
			},
			{
				Name:             "doctor_diagnosis",
				Roles:            []string{"doctor"},
				Approvers:        []string{"supervisor"},
				RequiresApproval: true,
				Fields: []*model.FieldDefinition{
					{Name: "diagnosis", Type: "string", Required: true},
				},
			},
		},
	}
}

func TestCanTransition(t *testing.T) {
	type testCase struct {
		from, to string
		allowed  bool
	}
	tests := []testCase{
		{model.StepPending, model.StepInProgress, true},
		{model.StepInProgress, model.StepCompleted, true},
		{model.StepCompleted, model.StepApproved, true},
		{model.StepCompleted, model.StepRequiresApproval, true},
		{model.StepRequiresApproval, model.StepApproved, true},
		{model.StepRequiresApproval, model.StepRejected, true},
		{model.StepRejected, model.StepInProgress, true},
		{model.StepApproved, model.StepInProgress, true},
		{model.StepPending, model.StepCompleted, false},
		{model.StepApproved, model.StepCompleted, false},
		{model.StepCompleted, model.StepPending, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCompleteRequiresPopulatedFields(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def)
	session := def.NewSession("s1", "p1")

	err := svc.Complete(ctx, session, "registration", nurse)
	assert.ErrorIs(t, err, types.ErrValidation, "required field empty")

	session.Step("registration").Field("patient_name").Value = "Jane Roe"
	assert.NoError(t, svc.Complete(ctx, session, "registration", nurse))

	assert.Equal(t, model.StepApproved, session.Step("registration").Status)
	assert.Equal(t, "initial_assessment", session.CurrentStep)
	assert.Equal(t, model.StepInProgress, session.Step("initial_assessment").Status)
	assert.Equal(t, "n1", session.Step("registration").CompletedBy)
	assert.NotNil(t, session.Step("registration").CompletedAt)
}

func TestCompleteRoleGate(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def)
	session := def.NewSession("s1", "p1")
	session.Step("registration").Field("patient_name").Value = "Jane Roe"

	err := svc.Complete(ctx, session, "registration", doctor)
	assert.ErrorIs(t, err, types.ErrPermission)

	err = svc.Complete(ctx, session, "no_such_step", nurse)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func completedDiagnosis(t *testing.T, svc *Service, session *model.Session) {
	ctx := context.Background()
	session.Step("registration").Field("patient_name").Value = "Jane Roe"
	assert.NoError(t, svc.Complete(ctx, session, "registration", nurse))
	assert.NoError(t, svc.Complete(ctx, session, "initial_assessment", nurse))
	session.Step("doctor_diagnosis").Field("diagnosis").Value = "myopia"
	assert.NoError(t, svc.Complete(ctx, session, "doctor_diagnosis", doctor))
}

func TestApprovalCycle(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def)
	session := def.NewSession("s1", "p1")
	completedDiagnosis(t, svc, session)

	// approval-gated step waits at completed
	assert.Equal(t, model.StepCompleted, session.Step("doctor_diagnosis").Status)
	assert.Equal(t, model.SessionActive, session.Status)

	assert.NoError(t, svc.RequireApproval(ctx, session, "doctor_diagnosis", doctor))
	assert.Equal(t, model.StepRequiresApproval, session.Step("doctor_diagnosis").Status)

	err := svc.Approve(ctx, session, "doctor_diagnosis", nurse, "")
	assert.ErrorIs(t, err, types.ErrPermission, "nurse is not an approver")

	assert.NoError(t, svc.Approve(ctx, session, "doctor_diagnosis", supervisor, "looks right"))
	assert.Equal(t, model.StepApproved, session.Step("doctor_diagnosis").Status)
	assert.Equal(t, model.SessionCompleted, session.Status, "terminal approval completes the session")
}

func TestRejectReopensForRework(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def)
	session := def.NewSession("s1", "p1")
	completedDiagnosis(t, svc, session)
	assert.NoError(t, svc.RequireApproval(ctx, session, "doctor_diagnosis", doctor))

	assert.NoError(t, svc.Reject(ctx, session, "doctor_diagnosis", supervisor, "needs specialist review"))
	step := session.Step("doctor_diagnosis")
	assert.Equal(t, model.StepInProgress, step.Status)
	assert.Equal(t, "doctor_diagnosis", session.CurrentStep)
	assert.Empty(t, step.CompletedBy)
	assert.Nil(t, step.CompletedAt)
}

func TestReopenApprovedStep(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def)
	session := def.NewSession("s1", "p1")
	session.Step("registration").Field("patient_name").Value = "Jane Roe"
	assert.NoError(t, svc.Complete(ctx, session, "registration", nurse))

	err := svc.Reopen(ctx, session, "registration", nurse, "")
	assert.ErrorIs(t, err, types.ErrValidation, "justification is mandatory")

	err = svc.Reopen(ctx, session, "initial_assessment", nurse, "typo")
	assert.ErrorIs(t, err, types.ErrConflict, "only approved steps reopen")

	assert.NoError(t, svc.Reopen(ctx, session, "registration", nurse, "name misspelled"))
	assert.Equal(t, model.StepInProgress, session.Step("registration").Status)
	assert.Equal(t, "registration", session.CurrentStep)
}

func TestReopenWithReapprovePolicy(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def, WithPolicy(&policy.Policy{ReapproveOnReopen: true}))
	session := def.NewSession("s1", "p1")
	session.Step("registration").Field("patient_name").Value = "Jane Roe"
	assert.NoError(t, svc.Complete(ctx, session, "registration", nurse))
	assert.NoError(t, svc.Reopen(ctx, session, "registration", nurse, "name misspelled"))

	// the reopened step no longer finalises on completion
	session.Step("registration").Field("patient_name").Value = "Jane Doe"
	assert.NoError(t, svc.Complete(ctx, session, "registration", nurse))
	assert.Equal(t, model.StepCompleted, session.Step("registration").Status)

	assert.NoError(t, svc.RequireApproval(ctx, session, "registration", nurse))
	assert.NoError(t, svc.Approve(ctx, session, "registration", supervisor, ""))
	assert.Equal(t, model.StepApproved, session.Step("registration").Status)
	assert.Equal(t, "initial_assessment", session.CurrentStep)
}

func TestResumeAfterWithdrawnApproval(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	svc := New(def)
	session := def.NewSession("s1", "p1")
	completedDiagnosis(t, svc, session)
	assert.NoError(t, svc.RequireApproval(ctx, session, "doctor_diagnosis", doctor))
	assert.NoError(t, svc.Resume(ctx, session, "doctor_diagnosis", doctor))
	assert.Equal(t, model.StepCompleted, session.Step("doctor_diagnosis").Status)
}
