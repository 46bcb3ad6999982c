package memory

import (
	"context"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/internal/idgen"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/service/approval"
	"github.com/medscreen/collab/service/dao"
	"github.com/medscreen/collab/service/dao/store"
	"github.com/medscreen/collab/service/messaging"
	qmem "github.com/medscreen/collab/service/messaging/memory"
)

type service struct {
	reqDAO dao.Service[string, approval.Request]
	decDAO dao.Service[string, approval.Decision]

	// fan-out queue
	events messaging.Queue[approval.Event]
}

// key selectors, grab ID field
func reqKey(r *approval.Request) string  { return r.ID }
func decKey(d *approval.Decision) string { return d.ID }

// New returns an in-memory approval service.
func New() approval.Service {
	return &service{
		reqDAO: store.NewMemoryStore[string, approval.Request](reqKey),
		decDAO: store.NewMemoryStore[string, approval.Decision](decKey),
		events: qmem.NewQueue[approval.Event](qmem.DefaultConfig()),
	}
}

func (s *service) RequestApproval(ctx context.Context, r *approval.Request) error {
	if r == nil {
		return types.NewValidationError("nil approval request")
	}
	if r.ID == "" {
		r.ID = idgen.New()
	}
	if r.Kind == "" {
		r.Kind = approval.KindApproval
	}
	r.Status = approval.StatusPending
	if r.CreatedAt.IsZero() {
		r.CreatedAt = clock.Now()
	}
	// Idempotent save, overwrite any previous copy to handle re-submissions
	// gracefully.
	if err := s.reqDAO.Save(ctx, r); err != nil {
		return err
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicRequestCreated, Data: r})
	return nil
}

func (s *service) Get(ctx context.Context, id string) (*approval.Request, error) {
	return s.reqDAO.Load(ctx, id)
}

func (s *service) ListPending(ctx context.Context) ([]*approval.Request, error) {
	all, err := s.reqDAO.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]*approval.Request, 0, len(all))
	for _, r := range all {
		if r.Status == approval.StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

func (s *service) Decide(ctx context.Context, id, decidedBy string,
	approved bool, reason string) (*approval.Decision, error) {

	if id == "" {
		return nil, types.NewValidationError("empty request id")
	}
	request, _ := s.reqDAO.Load(ctx, id)
	if request == nil {
		return nil, types.NewNotFoundError("approval request", id)
	}
	if request.Status != approval.StatusPending {
		return nil, types.NewConflictError("request %s already %s", id, request.Status)
	}

	if approved {
		request.Status = approval.StatusApproved
		request.ApprovedBy = decidedBy
	} else {
		request.Status = approval.StatusRejected
	}
	request.Notes = reason
	if err := s.reqDAO.Save(ctx, request); err != nil {
		return nil, err
	}

	d := &approval.Decision{
		ID:        id,
		Approved:  approved,
		DecidedBy: decidedBy,
		Reason:    reason,
		DecidedAt: clock.Now(),
	}
	if err := s.decDAO.Save(ctx, d); err != nil {
		return nil, err
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicDecisionCreated, Data: d})
	return d, nil
}

func (s *service) Cancel(ctx context.Context, id, requestedBy string) error {
	request, _ := s.reqDAO.Load(ctx, id)
	if request == nil {
		return types.NewNotFoundError("approval request", id)
	}
	if request.RequestedBy != requestedBy {
		return types.NewPermissionError(requestedBy, "cancel a request they did not raise")
	}
	if request.Status != approval.StatusPending {
		return types.NewConflictError("request %s already %s", id, request.Status)
	}
	request.Status = approval.StatusCanceled
	if err := s.reqDAO.Save(ctx, request); err != nil {
		return err
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicRequestCanceled, Data: request})
	return nil
}

func (s *service) Decision(ctx context.Context, id string) (*approval.Decision, error) {
	return s.decDAO.Load(ctx, id)
}

func (s *service) Queue() messaging.Queue[approval.Event] { return s.events }

var _ approval.Service = (*service)(nil)
