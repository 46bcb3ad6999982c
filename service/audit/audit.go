// Package audit implements the tamper-evident, append-only record of every
// state change in a session.  Entries are hash-chained per session so that
// any alteration of a stored entry is detectable by re-verification.
package audit

import (
	"context"
	"time"
)

// Well-known audit actions recorded by the engine.
const (
	ActionSessionCreated   = "session.created"
	ActionSessionRead      = "session.read"
	ActionSessionJoined    = "session.joined"
	ActionSessionLeft      = "session.left"
	ActionFieldSubmitted   = "field.submitted"
	ActionFieldApplied     = "field.applied"
	ActionConflictResolved = "conflict.resolved"
	ActionConflictTicket   = "conflict.ticket"
	ActionLockAcquired     = "lock.acquired"
	ActionLockReleased     = "lock.released"
	ActionLockExpired      = "lock.expired"
	ActionStepTransition   = "step.transition"
	ActionApprovalRequest  = "approval.requested"
	ActionApprovalApproved = "approval.approved"
	ActionApprovalRejected = "approval.rejected"
	ActionApprovalCanceled = "approval.canceled"
	ActionStepReopened     = "step.reopened"
)

// Entry is one immutable audit record.  EntryHash is a function of the entry
// data and the immediately preceding entry's hash, forming a verifiable chain
// per session.
type Entry struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Seq       int                    `json:"seq"`
	Action    string                 `json:"action"`
	UserID    string                 `json:"userId"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	DataHash  string                 `json:"dataHash"`
	PrevHash  string                 `json:"prevHash"`
	EntryHash string                 `json:"entryHash"`
}

// Service is the audit log contract.  Every mutation in the other engine
// components produces exactly one entry through Append.
type Service interface {
	// Append records one action; the entry is stamped, hashed and linked to
	// the previous entry of the same session.
	Append(ctx context.Context, sessionID, action, userID string, details map[string]interface{}) (*Entry, error)

	// Trail returns the ordered entries of one session.
	Trail(ctx context.Context, sessionID string) ([]*Entry, error)

	// VerifyChain recomputes all hashes of a session sequentially and returns
	// an integrity error on the first mismatch.
	VerifyChain(ctx context.Context, sessionID string) error
}
