// Package collab implements the multi-user collaborative workflow engine of
// a healthcare screening portal: several staff members concurrently edit a
// shared per-patient record as it advances through a fixed sequence of
// steps.
//
// The engine is composed of pluggable service layers:
//
//   - session    – session lifecycle, the single entry point for callers
//   - fieldqueue – ordered application of concurrent field edits and
//     conflict resolution (last-committed-wins, merge or manual)
//   - coordinator – step locking and heartbeat-based presence
//   - stepflow   – role-gated step state machine with an approval gate
//   - audit      – hash-chained, tamper-evident log of every mutation
//
// End-users typically interact via the high-level Service façade exposed by
// the root package:
//
//	srv, _ := collab.New(collab.WithDefinition(def))
//	srv.Start(ctx)
//	defer srv.Shutdown()
//
//	sessions := srv.Sessions()
//	s, _ := sessions.CreateSession(ctx, "patient-1", nil)
//	_, _ = sessions.SubmitChange(ctx, s.ID, "initial_assessment", "medical_history", "diabetes", user)
//	_, _ = sessions.ProcessPending(ctx, s.ID, "initial_assessment")
//
// For more details see the README and individual sub-packages.
package collab
