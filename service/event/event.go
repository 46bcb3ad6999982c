// Package event defines the typed workflow events broadcast over the
// messaging transport: presence changes, step transitions, conflicts and
// approval decisions.  Handlers are registered per event type in a dispatch
// table, keeping the core logic fully decoupled from any concrete transport.
package event

import (
	"time"
)

// Type enumerates the workflow event kinds.
type Type string

const (
	TypePresenceJoined    Type = "presence.joined"
	TypePresenceLeft      Type = "presence.left"
	TypePresenceAway      Type = "presence.away"
	TypePresenceGone      Type = "presence.gone"
	TypeStepTransition    Type = "step.transition"
	TypeFieldApplied      Type = "field.applied"
	TypeConflictDetected  Type = "conflict.detected"
	TypeApprovalRequested Type = "approval.requested"
	TypeApprovalDecided   Type = "approval.decided"
	TypeSessionCompleted  Type = "session.completed"
)

// Event is one broadcastable workflow occurrence.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	SessionID string                 `json:"sessionId"`
	Step      string                 `json:"step,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
