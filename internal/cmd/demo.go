package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/medscreen/collab"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/policy"
	auditldb "github.com/medscreen/collab/service/audit/leveldb"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted two-user collaboration scenario",
	Long: `Creates one screening session, lets two nurses edit the same field
concurrently, resolves the conflict, routes the diagnosis through the
approval gate and prints the resulting audit trail.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().String("db", "", "persist the audit chain to this LevelDB path instead of memory")
	rootCmd.AddCommand(demoCmd)
}

func demoDefinition() *model.Definition {
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

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	options := []collab.Option{
		collab.WithPolicy(policy.FromConfig(&policy.Config{
			Resolution: viper.GetString("policy.resolution"),
			AccessMode: viper.GetString("policy.accessMode"),
		})),
	}
	options = append(options, collab.WithDefinition(demoDefinition()))
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		log, closeDB, err := auditldb.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer func() { _ = closeDB() }()
		options = append(options, collab.WithAuditService(log))
	}

	srv, err := collab.New(options...)
	if err != nil {
		return err
	}
	srv.Start(ctx)
	defer srv.Shutdown()

	nurseA := model.User{ID: "nurseA", Role: "nurse", DisplayName: "Nurse A"}
	nurseB := model.User{ID: "nurseB", Role: "nurse", DisplayName: "Nurse B"}
	doctor := model.User{ID: "doc1", Role: "doctor", DisplayName: "Dr. C"}
	supervisor := model.User{ID: "sup1", Role: "supervisor", DisplayName: "Supervisor D"}

	sessions := srv.Sessions()
	session, err := sessions.CreateSession(ctx, "patient-1", nil)
	if err != nil {
		return err
	}
	fmt.Printf("created session %s for patient-1\n", session.ID)

	for _, user := range []model.User{nurseA, nurseB, doctor, supervisor} {
		if err := sessions.Join(ctx, session.ID, user); err != nil {
			return err
		}
	}

	first := session.CurrentStep
	if _, err = sessions.SubmitChange(ctx, session.ID, first, "medical_history", "diabetes", nurseA); err != nil {
		return err
	}
	if _, err = sessions.SubmitChange(ctx, session.ID, first, "medical_history", "diabetes, hypertension", nurseB); err != nil {
		return err
	}
	outcome, err := sessions.ProcessPending(ctx, session.ID, first)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d changes, %d conflicts\n", outcome.Applied, len(outcome.Conflicts))
	for _, conflict := range outcome.Conflicts {
		fmt.Printf("  conflict on %s.%s between %v resolved via %s\n",
			conflict.Step, conflict.Field, conflict.Users(), conflict.Resolution)
	}
	if err := sessions.CompleteStep(ctx, session.ID, first, nurseA); err != nil {
		return err
	}

	snapshot, err := sessions.GetSession(ctx, session.ID)
	if err != nil {
		return err
	}
	if snapshot.CurrentStep != first {
		step := snapshot.CurrentStep
		if _, err = sessions.SubmitChange(ctx, session.ID, step, "diagnosis", "retinopathy risk", doctor); err != nil {
			return err
		}
		if _, err = sessions.ProcessPending(ctx, session.ID, step); err != nil {
			return err
		}
		if err = sessions.CompleteStep(ctx, session.ID, step, doctor); err != nil {
			return err
		}
		request, err := sessions.RequestApproval(ctx, session.ID, step, doctor)
		if err != nil {
			return err
		}
		if err = sessions.Approve(ctx, request.ID, supervisor, "confirmed"); err != nil {
			return err
		}
		fmt.Printf("step %s approved by %s\n", step, supervisor.DisplayName)
	}

	trail, err := sessions.GetAuditTrail(ctx, session.ID)
	if err != nil {
		return err
	}
	fmt.Printf("audit trail (%d entries):\n", len(trail))
	for _, entry := range trail {
		fmt.Printf("  [%04d] %-22s user=%s\n", entry.Seq, entry.Action, entry.UserID)
	}
	if err := srv.Audit().VerifyChain(ctx, session.ID); err != nil {
		return err
	}
	fmt.Println("audit chain verified")
	return nil
}
