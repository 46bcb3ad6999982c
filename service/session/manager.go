// Package session owns the session lifecycle and is the single entry point
// external callers use.  Every operation delegates to the step state machine
// for transitions, to the field change queue for writes, to the coordinator
// for exclusive access, and mirrors its effect into the audit log.
package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/internal/idgen"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/approval"
	approvalmem "github.com/medscreen/collab/service/approval/memory"
	"github.com/medscreen/collab/service/audit"
	auditmem "github.com/medscreen/collab/service/audit/memory"
	"github.com/medscreen/collab/service/coordinator"
	"github.com/medscreen/collab/service/dao"
	"github.com/medscreen/collab/service/dao/store"
	"github.com/medscreen/collab/service/event"
	"github.com/medscreen/collab/service/fieldqueue"
	"github.com/medscreen/collab/service/stepflow"
	"github.com/medscreen/collab/tracing"
)

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manager composes the engine services around one workflow definition.
type Manager struct {
	def       *model.Definition
	pol       *policy.Policy
	sessions  dao.Versioned[string, model.Session]
	queue     *fieldqueue.Service
	coord     *coordinator.Service
	steps     *stepflow.Service
	approvals approval.Service
	auditLog  audit.Service
	events    *event.Service

	mu        sync.Mutex
	sessionMu map[string]*sync.Mutex
}

// Option customises the manager.
type Option func(*Manager)

// WithPolicy sets the session-level coordination policy.
func WithPolicy(p *policy.Policy) Option {
	return func(m *Manager) { m.pol = p }
}

// WithSessionStore overrides the versioned session store.
func WithSessionStore(s dao.Versioned[string, model.Session]) Option {
	return func(m *Manager) { m.sessions = s }
}

// WithAuditService overrides the audit log implementation.
func WithAuditService(svc audit.Service) Option {
	return func(m *Manager) { m.auditLog = svc }
}

// WithApprovalService overrides the approval service implementation.
func WithApprovalService(svc approval.Service) Option {
	return func(m *Manager) { m.approvals = svc }
}

// WithEventService overrides the event dispatcher.
func WithEventService(svc *event.Service) Option {
	return func(m *Manager) { m.events = svc }
}

// WithCoordinator overrides the lock/presence coordinator.
func WithCoordinator(coord *coordinator.Service) Option {
	return func(m *Manager) { m.coord = coord }
}

func sessionKey(s *model.Session) string { return s.ID }
func sessionSCN(s *model.Session) *int   { return &s.SCN }

// New creates a manager for the definition; unsupplied collaborators default
// to in-memory implementations.
func New(def *model.Definition, options ...Option) (*Manager, error) {
	if def == nil {
		return nil, types.NewValidationError("nil workflow definition")
	}
	if issues := def.Validate(); len(issues) > 0 {
		return nil, types.NewValidationError("invalid workflow definition: %v", issues)
	}
	ret := &Manager{
		def:       def,
		sessionMu: map[string]*sync.Mutex{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.sessions == nil {
		ret.sessions = store.NewMemoryStore[string, model.Session](sessionKey,
			store.WithVersionSelector[string, model.Session](sessionSCN))
	}
	if ret.auditLog == nil {
		ret.auditLog = auditmem.New()
	}
	if ret.approvals == nil {
		ret.approvals = approvalmem.New()
	}
	if ret.coord == nil {
		ret.coord = coordinator.New(coordinator.DefaultConfig(),
			coordinator.WithAuditService(ret.auditLog),
			coordinator.WithEventService(ret.events))
	}
	ret.queue = fieldqueue.New(def,
		fieldqueue.WithPolicy(ret.pol),
		fieldqueue.WithAuditService(ret.auditLog),
		fieldqueue.WithEventService(ret.events),
		fieldqueue.WithApprovalService(ret.approvals),
		fieldqueue.WithCoordinator(ret.coord))
	ret.steps = stepflow.New(def,
		stepflow.WithPolicy(ret.pol),
		stepflow.WithAuditService(ret.auditLog),
		stepflow.WithEventService(ret.events))
	return ret, nil
}

// Coordinator exposes the lock/presence coordinator, e.g. for sweeper setup.
func (m *Manager) Coordinator() *coordinator.Service { return m.coord }

// Approvals exposes the approval service.
func (m *Manager) Approvals() approval.Service { return m.approvals }

// Audit exposes the audit log.
func (m *Manager) Audit() audit.Service { return m.auditLog }

// lockSession returns the per-session mutex, creating it on first use.  The
// mutex serialises structural mutation of one aggregate within this process;
// cross-process races are caught by the versioned save.
func (m *Manager) lockSession(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.sessionMu[id]
	if !ok {
		mu = &sync.Mutex{}
		m.sessionMu[id] = mu
	}
	return mu
}

func (m *Manager) load(ctx context.Context, id string) (*model.Session, error) {
	session, err := m.sessions.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, types.NewNotFoundError("session", id)
	}
	return session, nil
}

// save persists the mutated aggregate under compare-and-swap semantics.
func (m *Manager) save(ctx context.Context, session *model.Session) error {
	session.UpdatedAt = clock.Now()
	if err := m.sessions.SaveWithVersion(ctx, session, session.SCN); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			return types.NewConflictError("session %s was concurrently modified, refresh and retry", session.ID)
		}
		return err
	}
	return nil
}

// CreateSession materialises a new session for the patient: every step
// pending except the first, which starts in progress.
func (m *Manager) CreateSession(ctx context.Context, patientID string, metadata map[string]interface{}) (ret *model.Session, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.create")
	defer func() { tracing.EndSpan(span, err) }()

	if !patientIDPattern.MatchString(patientID) {
		return nil, types.NewValidationError("malformed patient id %q", patientID)
	}
	session := m.def.NewSession(idgen.New(), patientID)
	session.Metadata = metadata
	session.CreatedAt = clock.Now()
	session.UpdatedAt = session.CreatedAt
	if err = m.sessions.SaveWithVersion(ctx, session, 0); err != nil {
		return nil, err
	}
	_, _ = m.auditLog.Append(ctx, session.ID, audit.ActionSessionCreated, "", map[string]interface{}{
		"patientId": patientID,
		"workflow":  m.def.Name,
	})
	return session.Clone(), nil
}

// GetSession returns a deep snapshot of the session.  Reads are audited like
// every other session operation.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_, _ = m.auditLog.Append(ctx, sessionID, audit.ActionSessionRead, "", nil)
	return session.Clone(), nil
}

// Join adds the user to the session's active set and registers presence.
func (m *Manager) Join(ctx context.Context, sessionID string, user model.User) error {
	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.ActiveUsers == nil {
		session.ActiveUsers = map[string]*model.User{}
	}
	u := user
	session.ActiveUsers[user.ID] = &u
	m.coord.Join(ctx, sessionID, user.ID)
	_, _ = m.auditLog.Append(ctx, sessionID, audit.ActionSessionJoined, user.ID,
		map[string]interface{}{"role": user.Role})
	return m.save(ctx, session)
}

// Leave removes the user from the active set and releases any locks they
// held within the session.
func (m *Manager) Leave(ctx context.Context, sessionID string, user model.User) error {
	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	delete(session.ActiveUsers, user.ID)
	released := m.coord.Leave(ctx, sessionID, user.ID)
	_, _ = m.auditLog.Append(ctx, sessionID, audit.ActionSessionLeft, user.ID,
		map[string]interface{}{"releasedLocks": released})
	return m.save(ctx, session)
}

// SubmitChange validates and enqueues one field edit; the change is applied
// on the next ProcessPending for its step.
func (m *Manager) SubmitChange(ctx context.Context, sessionID, step, field string,
	value interface{}, user model.User, options ...fieldqueue.SubmitOption) (ret *model.FieldChange, err error) {

	ctx, span := tracing.StartSpan(ctx, "session.submitChange")
	defer func() { tracing.EndSpan(span, err) }()

	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.queue.SubmitChange(ctx, session, step, field, value, user, options...)
}

// ProcessPending drains the queued changes of one step and persists the
// resulting field state.
func (m *Manager) ProcessPending(ctx context.Context, sessionID, step string) (ret *fieldqueue.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.processPending")
	defer func() { tracing.EndSpan(span, err) }()

	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	outcome, err := m.queue.ProcessPending(ctx, session, step)
	if err != nil {
		return nil, err
	}
	if err = m.save(ctx, session); err != nil {
		return nil, err
	}
	return outcome, nil
}

// ResolveConflict lets a designated resolver pick the final value of a field
// frozen under a manual conflict ticket.
func (m *Manager) ResolveConflict(ctx context.Context, sessionID, ticketID string,
	resolver model.User, finalValue interface{}) error {

	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.queue.ResolveConflict(ctx, session, ticketID, resolver, finalValue); err != nil {
		return err
	}
	return m.save(ctx, session)
}

// AcquireLock claims exclusive editing of a step for the user.
func (m *Manager) AcquireLock(ctx context.Context, sessionID, step string, user model.User, ttl time.Duration) (*model.Lock, error) {
	if _, err := m.load(ctx, sessionID); err != nil {
		return nil, err
	}
	if m.def.Step(step) == nil {
		return nil, types.NewNotFoundError("step", step)
	}
	return m.coord.AcquireLock(ctx, sessionID, step, user.ID, ttl)
}

// ReleaseLock drops the user's lock on the step.
func (m *Manager) ReleaseLock(ctx context.Context, sessionID, step string, user model.User) error {
	return m.coord.ReleaseLock(ctx, sessionID, step, user.ID)
}

// Heartbeat renews the user's presence and any lock they hold on the step.
func (m *Manager) Heartbeat(ctx context.Context, sessionID, step string, user model.User) error {
	return m.coord.Heartbeat(ctx, sessionID, step, user.ID)
}

// CompleteStep moves an in-progress step to completed, advancing the session
// unless the step routes through the approval gate.
func (m *Manager) CompleteStep(ctx context.Context, sessionID, step string, user model.User) error {
	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.steps.Complete(ctx, session, step, user); err != nil {
		return err
	}
	return m.save(ctx, session)
}

// RequestApproval raises a sign-off request for a step, parking it against
// edits until the request is decided or withdrawn.
func (m *Manager) RequestApproval(ctx context.Context, sessionID, step string, user model.User) (*approval.Request, error) {
	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stepDef := m.def.Step(step)
	if stepDef == nil {
		return nil, types.NewNotFoundError("step", step)
	}
	if !stepDef.RoleAllowed(user.Role) {
		return nil, types.NewPermissionError(user.Role, "request approval of step "+step)
	}
	if err := m.steps.RequireApproval(ctx, session, step, user); err != nil {
		return nil, err
	}
	request := &approval.Request{
		Kind:        approval.KindApproval,
		SessionID:   sessionID,
		Step:        step,
		RequestedBy: user.ID,
	}
	if err := m.approvals.RequestApproval(ctx, request); err != nil {
		return nil, err
	}
	_, _ = m.auditLog.Append(ctx, sessionID, audit.ActionApprovalRequest, user.ID,
		map[string]interface{}{"step": step, "request": request.ID})
	m.publish(ctx, &event.Event{
		Type:      event.TypeApprovalRequested,
		SessionID: sessionID,
		Step:      step,
		UserID:    user.ID,
		Data:      map[string]interface{}{"request": request.ID},
	})
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	return request, nil
}

// Approve finalises a pending sign-off request.  Chain verification runs
// first; a compromised history blocks all approval actions on the session
// until manually reconciled.
func (m *Manager) Approve(ctx context.Context, requestID string, approver model.User, notes string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.approve")
	defer func() { tracing.EndSpan(span, err) }()
	return m.decide(ctx, requestID, approver, true, notes)
}

// Reject sends the step under a pending request back for rework; the reason
// is recorded verbatim.
func (m *Manager) Reject(ctx context.Context, requestID string, approver model.User, reason string) error {
	return m.decide(ctx, requestID, approver, false, reason)
}

func (m *Manager) decide(ctx context.Context, requestID string, approver model.User, approved bool, notes string) error {
	request, err := m.approvals.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil || request.Kind != approval.KindApproval {
		return types.NewNotFoundError("approval request", requestID)
	}
	if request.Status != approval.StatusPending {
		return types.NewConflictError("request %s already %s", requestID, request.Status)
	}

	mu := m.lockSession(request.SessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, request.SessionID)
	if err != nil {
		return err
	}
	if err := m.checkIntegrity(ctx, session); err != nil {
		return err
	}

	if approved {
		if err := m.steps.Approve(ctx, session, request.Step, approver, notes); err != nil {
			return err
		}
	} else {
		if err := m.steps.Reject(ctx, session, request.Step, approver, notes); err != nil {
			return err
		}
	}
	if _, err := m.approvals.Decide(ctx, requestID, approver.ID, approved, notes); err != nil {
		return err
	}

	action := audit.ActionApprovalApproved
	if !approved {
		action = audit.ActionApprovalRejected
	}
	details := map[string]interface{}{"step": request.Step, "request": requestID}
	if notes != "" {
		if approved {
			details["notes"] = notes
		} else {
			details["reason"] = notes
		}
	}
	_, _ = m.auditLog.Append(ctx, session.ID, action, approver.ID, details)
	m.publish(ctx, &event.Event{
		Type:      event.TypeApprovalDecided,
		SessionID: session.ID,
		Step:      request.Step,
		UserID:    approver.ID,
		Data: map[string]interface{}{
			"request":     requestID,
			"approved":    approved,
			"requestedBy": request.RequestedBy,
		},
	})
	return m.save(ctx, session)
}

// CancelApproval withdraws a pending request; only the requester may cancel.
// The step returns to completed, open for a fresh request.
func (m *Manager) CancelApproval(ctx context.Context, requestID string, user model.User) error {
	request, err := m.approvals.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil || request.Kind != approval.KindApproval {
		return types.NewNotFoundError("approval request", requestID)
	}

	mu := m.lockSession(request.SessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, request.SessionID)
	if err != nil {
		return err
	}
	if err := m.approvals.Cancel(ctx, requestID, user.ID); err != nil {
		return err
	}
	if err := m.steps.Resume(ctx, session, request.Step, user); err != nil {
		return err
	}
	_, _ = m.auditLog.Append(ctx, session.ID, audit.ActionApprovalCanceled, user.ID,
		map[string]interface{}{"step": request.Step, "request": requestID})
	return m.save(ctx, session)
}

// Reopen unlocks an approved step for editing; the justification is audited
// and, depending on policy, a fresh approval cycle is required afterwards.
func (m *Manager) Reopen(ctx context.Context, sessionID, step string, user model.User, justification string) error {
	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.steps.Reopen(ctx, session, step, user, justification); err != nil {
		return err
	}
	return m.save(ctx, session)
}

// GetAuditTrail returns the session's ordered audit entries.
func (m *Manager) GetAuditTrail(ctx context.Context, sessionID string) ([]*audit.Entry, error) {
	if _, err := m.load(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.auditLog.Trail(ctx, sessionID)
}

// VerifyIntegrity re-verifies the session's audit chain; a failure latches the
// session as compromised.
func (m *Manager) VerifyIntegrity(ctx context.Context, sessionID string) error {
	mu := m.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.checkIntegrity(ctx, session)
}

// checkIntegrity verifies the chain and latches the compromised flag on
// failure; callers hold the session mutex.
func (m *Manager) checkIntegrity(ctx context.Context, session *model.Session) error {
	if session.IntegrityCompromised {
		return types.NewIntegrityError(session.ID, "history is compromised, approvals are blocked until reconciled")
	}
	if err := m.auditLog.VerifyChain(ctx, session.ID); err != nil {
		session.IntegrityCompromised = true
		_ = m.save(ctx, session)
		return err
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, e *event.Event) {
	if m.events != nil {
		_ = m.events.Publish(ctx, e)
	}
}
