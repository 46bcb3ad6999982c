package approval

import (
	"time"
)

// Event envelope published on the service queue.
type Event struct {
	Topic   string            // see topic constants below
	Data    interface{}       // *Request | *Decision
	Headers map[string]string `json:"headers,omitempty"` // optional tenant, correlation-id etc.
}

// Standard event topics.
const (
	TopicRequestCreated  = "request.created"
	TopicRequestCanceled = "request.canceled"
	TopicRequestExpired  = "request.expired"
	TopicDecisionCreated = "decision.created"
)

// Request kinds.
const (
	KindApproval = "approval" // step sign-off request
	KindConflict = "conflict" // manual-resolution conflict ticket
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusCanceled = "canceled"
)

// Request represents a pending sign-off of one step or, with KindConflict,
// a frozen field awaiting a designated resolver.
type Request struct {
	ID          string     `json:"id"` // globally unique, primary key
	Kind        string     `json:"kind"`
	SessionID   string     `json:"sessionId"`
	Step        string     `json:"step"`
	Field       string     `json:"field,omitempty"` // conflict tickets only
	RequestedBy string     `json:"requestedBy"`
	Status      string     `json:"status"`
	ApprovedBy  string     `json:"approvedBy,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Decision records the outcome of one request.
type Decision struct {
	ID        string    `json:"id"` // matches Request.ID
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decidedBy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}
