package approval

import (
	"context"
	"time"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/model/types"
)

// PendingFilter narrows ListPending results.
type PendingFilter func(r *Request) bool

// WithSessionID keeps requests of one session.
func WithSessionID(sessionID string) PendingFilter {
	return func(r *Request) bool { return r.SessionID == sessionID }
}

// WithStep keeps requests of one step.
func WithStep(step string) PendingFilter {
	return func(r *Request) bool { return r.Step == step }
}

// WithKind keeps requests of one kind (approval vs conflict ticket).
func WithKind(kind string) PendingFilter {
	return func(r *Request) bool { return r.Kind == kind }
}

// ListPending returns pending requests matching every filter.
func ListPending(ctx context.Context, svc Service, filters ...PendingFilter) ([]*Request, error) {
	all, err := svc.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(all))
outer:
	for _, r := range all {
		for _, filter := range filters {
			if !filter(r) {
				continue outer
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// WaitForDecision polls until a decision for id is recorded or timeout
// elapses, in which case a timeout error is returned.
func WaitForDecision(ctx context.Context, svc Service, id string, timeout time.Duration) (*Decision, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		decision, err := svc.Decision(ctx, id)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			return decision, nil
		}
		if time.Now().After(deadline) {
			return nil, types.NewTimeoutError("no decision for request %s within %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DecisionFunc decides what to do with a pending request.
// Return (true,  "") to approve
//
//	(false, "…") to reject with reason.
type DecisionFunc func(r *Request) (approved bool, reason string)

// AutoDecider starts a goroutine that polls ListPending and applies fn to
// every request.  It returns stop(); call it (or cancel ctx) to exit.
func AutoDecider(ctx context.Context, svc Service, decidedBy string,
	fn DecisionFunc, interval time.Duration) (stop func()) {

	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				reqs, _ := svc.ListPending(ctx)
				for _, r := range reqs {
					ok, reason := fn(r)
					_, _ = svc.Decide(ctx, r.ID, decidedBy, ok, reason)
				}
			}
		}
	}()
	return func() { close(done) }
}

// AutoExpire rejects pending requests whose ExpiresAt has passed.
func AutoExpire(ctx context.Context, svc Service, reason string,
	interval time.Duration) (stop func()) {

	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				reqs, _ := svc.ListPending(ctx)
				now := clock.Now()
				for _, r := range reqs {
					if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
						_, _ = svc.Decide(ctx, r.ID, "system", false, reason)
					}
				}
			}
		}
	}()
	return func() { close(done) }
}
