package collab_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medscreen/collab"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/service/event"
)

func screeningDefinition() *model.Definition {
	return &model.Definition{
		Name: "vision-screening",
		Steps: []*model.StepDefinition{
			{
				Name:  "initial_assessment",
				Roles: []string{"nurse"},
				Fields: []*model.FieldDefinition{
					{Name: "medical_history", Type: "string", Required: true},
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

// TestService walks one screening session end to end: two nurses edit the
// same field concurrently, the conflict resolves deterministically, the
// doctor completes the diagnosis and a supervisor signs it off.
func TestService(t *testing.T) {
	ctx := context.Background()
	srv, err := collab.New(collab.WithDefinition(screeningDefinition()))
	assert.NoError(t, err)
	srv.Start(ctx)
	defer srv.Shutdown()

	var mu sync.Mutex
	var seen []event.Type
	srv.Events().Subscribe(func(e *event.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	nurseA := model.User{ID: "nurseA", Role: "nurse"}
	nurseB := model.User{ID: "nurseB", Role: "nurse"}
	doctor := model.User{ID: "doc1", Role: "doctor"}
	supervisor := model.User{ID: "sup1", Role: "supervisor"}

	sessions := srv.Sessions()
	s, err := sessions.CreateSession(ctx, "patient-1", nil)
	assert.NoError(t, err)
	assert.NoError(t, sessions.Join(ctx, s.ID, nurseA))
	assert.NoError(t, sessions.Join(ctx, s.ID, nurseB))

	_, err = sessions.SubmitChange(ctx, s.ID, "initial_assessment", "medical_history", "diabetes", nurseA)
	assert.NoError(t, err)
	_, err = sessions.SubmitChange(ctx, s.ID, "initial_assessment", "medical_history", "diabetes, hypertension", nurseB)
	assert.NoError(t, err)

	outcome, err := sessions.ProcessPending(ctx, s.ID, "initial_assessment")
	assert.NoError(t, err)
	assert.Equal(t, 2, outcome.Applied)
	assert.Len(t, outcome.Conflicts, 1)

	snapshot, err := sessions.GetSession(ctx, s.ID)
	assert.NoError(t, err)
	fv := snapshot.Step("initial_assessment").Field("medical_history")
	assert.Equal(t, "diabetes, hypertension", fv.Value)
	assert.Equal(t, 2, fv.Version)

	assert.NoError(t, sessions.CompleteStep(ctx, s.ID, "initial_assessment", nurseA))

	_, err = sessions.SubmitChange(ctx, s.ID, "doctor_diagnosis", "diagnosis", "retinopathy risk", doctor)
	assert.NoError(t, err)
	_, err = sessions.ProcessPending(ctx, s.ID, "doctor_diagnosis")
	assert.NoError(t, err)
	assert.NoError(t, sessions.CompleteStep(ctx, s.ID, "doctor_diagnosis", doctor))

	request, err := sessions.RequestApproval(ctx, s.ID, "doctor_diagnosis", doctor)
	assert.NoError(t, err)
	assert.NoError(t, sessions.Approve(ctx, request.ID, supervisor, "confirmed"))

	snapshot, err = sessions.GetSession(ctx, s.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, snapshot.Status)

	// the audit chain covers the whole history and still verifies
	trail, err := sessions.GetAuditTrail(ctx, s.ID)
	assert.NoError(t, err)
	assert.NotEmpty(t, trail)
	assert.NoError(t, srv.Audit().VerifyChain(ctx, s.ID))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, time.Second, 10*time.Millisecond, "subscribed handler receives dispatched events")
}

func TestServiceFromWorkflowURL(t *testing.T) {
	dir := t.TempDir()
	location := filepath.Join(dir, "screening.yaml")
	doc := `
name: vision-screening
steps:
  - name: registration
    roles: [nurse]
    fields:
      - name: patient_name
        type: string
        required: true
`
	assert.NoError(t, os.WriteFile(location, []byte(doc), 0o644))

	srv, err := collab.New(collab.WithConfig(&collab.Config{Workflow: "file://" + location}))
	assert.NoError(t, err)
	assert.Equal(t, "vision-screening", srv.Definition().Name)

	_, err = collab.New()
	assert.ErrorIs(t, err, types.ErrValidation, "a definition is mandatory")
}
