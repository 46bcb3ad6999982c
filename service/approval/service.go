package approval

import (
	"context"

	"github.com/medscreen/collab/service/messaging"
)

// Service defines the approval service interface.
type Service interface {
	// RequestApproval registers a pending request.
	RequestApproval(ctx context.Context, r *Request) error

	// Get returns a request by id, or nil.
	Get(ctx context.Context, id string) (*Request, error)

	// ListPending returns all requests without a recorded decision.
	ListPending(ctx context.Context) ([]*Request, error)

	// Decide records the outcome of a pending request.
	Decide(ctx context.Context, id, decidedBy string, approved bool, reason string) (*Decision, error)

	// Cancel withdraws a pending request; only the requester may cancel.
	Cancel(ctx context.Context, id, requestedBy string) error

	// Decision returns the recorded decision for id, or nil while pending.
	Decision(ctx context.Context, id string) (*Decision, error)

	// Queue exposes the event fan-out.
	Queue() messaging.Queue[Event]
}
