// Package coordinator owns step/session locking and heartbeat-based presence.
// At most one live lock exists per (session, step) scope; locks expire after
// their TTL unless renewed by heartbeat, and a lapsed heartbeat eventually
// marks the user away and releases everything they held.
package coordinator

import (
	"context"
	"time"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/service/audit"
	"github.com/medscreen/collab/service/event"
)

// Config holds the coordinator timing knobs.
type Config struct {
	// DefaultTTL is applied when acquire is called with ttl <= 0.
	DefaultTTL time.Duration
	// AwayAfter marks a user "away" when no heartbeat arrived for this long.
	AwayAfter time.Duration
	// GoneAfter removes the user from the active set and releases their
	// locks when no heartbeat arrived for this long.
	GoneAfter time.Duration
}

// DefaultConfig returns the standard coordinator timings.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 2 * time.Minute,
		AwayAfter:  30 * time.Second,
		GoneAfter:  2 * time.Minute,
	}
}

type scope struct {
	sessionID string
	step      string
}

// Presence states
const (
	PresenceActive = "active"
	PresenceAway   = "away"
)

// Presence tracks the liveness of one user within one session.
type Presence struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	State     string    `json:"state"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Service implements locking and presence.  The registry is session-scoped
// and injected where needed; it is never a process-wide singleton.
type Service struct {
	config   Config
	auditLog audit.Service
	events   *event.Service

	mu       chanMutex
	locks    map[scope]*model.Lock
	presence map[string]map[string]*Presence // sessionID -> userID
}

// chanMutex serialises access to the lock and presence tables.
type chanMutex chan struct{}

func (m chanMutex) lock()   { m <- struct{}{} }
func (m chanMutex) unlock() { <-m }

// Option customises the service.
type Option func(*Service)

// WithAuditService mirrors lock transitions into the audit log.
func WithAuditService(svc audit.Service) Option {
	return func(s *Service) { s.auditLog = svc }
}

// WithEventService broadcasts presence changes.
func WithEventService(svc *event.Service) Option {
	return func(s *Service) { s.events = svc }
}

// New creates a coordinator.
func New(config Config, options ...Option) *Service {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if config.AwayAfter <= 0 {
		config.AwayAfter = DefaultConfig().AwayAfter
	}
	if config.GoneAfter <= 0 {
		config.GoneAfter = DefaultConfig().GoneAfter
	}
	ret := &Service{
		config:   config,
		mu:       make(chanMutex, 1),
		locks:    make(map[scope]*model.Lock),
		presence: make(map[string]map[string]*Presence),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (s *Service) appendAudit(ctx context.Context, sessionID, action, userID string, details map[string]interface{}) {
	if s.auditLog != nil {
		_, _ = s.auditLog.Append(ctx, sessionID, action, userID, details)
	}
}

func (s *Service) publish(ctx context.Context, e *event.Event) {
	if s.events != nil {
		_ = s.events.Publish(ctx, e)
	}
}

// AcquireLock claims the (session, step) scope for user.  A live lock by
// another holder yields a lock-held error; an expired lock is reaped in
// place.  ttl <= 0 applies the configured default.
func (s *Service) AcquireLock(ctx context.Context, sessionID, step, userID string, ttl time.Duration) (*model.Lock, error) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	s.mu.lock()
	defer s.mu.unlock()

	now := clock.Now()
	key := scope{sessionID: sessionID, step: step}
	if current, ok := s.locks[key]; ok {
		if current.Live(now) && current.UserID != userID {
			return nil, types.NewLockHeldError(current.UserID, step)
		}
		if !current.Live(now) {
			s.appendAudit(ctx, sessionID, audit.ActionLockExpired, current.UserID,
				map[string]interface{}{"step": step})
		}
	}
	lock := &model.Lock{
		SessionID:  sessionID,
		Step:       step,
		UserID:     userID,
		TTL:        ttl,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[key] = lock
	s.appendAudit(ctx, sessionID, audit.ActionLockAcquired, userID,
		map[string]interface{}{"step": step, "ttlMs": int(ttl / time.Millisecond)})
	return lock, nil
}

// ReleaseLock drops the holder's lock; only the holder may release it.
func (s *Service) ReleaseLock(ctx context.Context, sessionID, step, userID string) error {
	s.mu.lock()
	defer s.mu.unlock()

	key := scope{sessionID: sessionID, step: step}
	current, ok := s.locks[key]
	if !ok || !current.Live(clock.Now()) {
		return types.NewNotFoundError("lock", sessionID+"/"+step)
	}
	if current.UserID != userID {
		return types.NewPermissionError(userID, "release a lock held by "+current.UserID)
	}
	delete(s.locks, key)
	s.appendAudit(ctx, sessionID, audit.ActionLockReleased, userID,
		map[string]interface{}{"step": step})
	return nil
}

// Holder returns the live lock for the scope, if any.
func (s *Service) Holder(sessionID, step string) (*model.Lock, bool) {
	s.mu.lock()
	defer s.mu.unlock()
	current, ok := s.locks[scope{sessionID: sessionID, step: step}]
	if !ok || !current.Live(clock.Now()) {
		return nil, false
	}
	return current, true
}

// Heartbeat renews presence for user within the session and extends any lock
// they hold on the supplied step.
func (s *Service) Heartbeat(ctx context.Context, sessionID, step, userID string) error {
	s.mu.lock()
	defer s.mu.unlock()

	now := clock.Now()
	users, ok := s.presence[sessionID]
	if !ok {
		return types.NewNotFoundError("session presence", sessionID)
	}
	entry, ok := users[userID]
	if !ok {
		return types.NewNotFoundError("presence", userID)
	}
	entry.LastSeen = now
	entry.State = PresenceActive

	if step != "" {
		if current, ok := s.locks[scope{sessionID: sessionID, step: step}]; ok &&
			current.UserID == userID && current.Live(now) {
			current.ExpiresAt = now.Add(current.TTL)
		}
	}
	return nil
}

// Join registers the user as present within the session.
func (s *Service) Join(ctx context.Context, sessionID, userID string) {
	s.mu.lock()
	users, ok := s.presence[sessionID]
	if !ok {
		users = make(map[string]*Presence)
		s.presence[sessionID] = users
	}
	users[userID] = &Presence{
		SessionID: sessionID,
		UserID:    userID,
		State:     PresenceActive,
		LastSeen:  clock.Now(),
	}
	s.mu.unlock()
	s.publish(ctx, &event.Event{Type: event.TypePresenceJoined, SessionID: sessionID, UserID: userID})
}

// Leave removes the user's presence and releases every lock they held within
// the session; released steps are returned.
func (s *Service) Leave(ctx context.Context, sessionID, userID string) []string {
	s.mu.lock()
	if users, ok := s.presence[sessionID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.presence, sessionID)
		}
	}
	released := s.releaseAllLocked(sessionID, userID)
	s.mu.unlock()

	for _, step := range released {
		s.appendAudit(ctx, sessionID, audit.ActionLockReleased, userID,
			map[string]interface{}{"step": step})
	}
	s.publish(ctx, &event.Event{Type: event.TypePresenceLeft, SessionID: sessionID, UserID: userID})
	return released
}

// releaseAllLocked drops all locks held by user in session; callers hold mu.
func (s *Service) releaseAllLocked(sessionID, userID string) []string {
	var released []string
	for key, lock := range s.locks {
		if key.sessionID == sessionID && lock.UserID == userID {
			delete(s.locks, key)
			released = append(released, key.step)
		}
	}
	return released
}

// ActiveUsers returns the presence entries of one session.
func (s *Service) ActiveUsers(sessionID string) []*Presence {
	s.mu.lock()
	defer s.mu.unlock()
	users := s.presence[sessionID]
	out := make([]*Presence, 0, len(users))
	for _, entry := range users {
		cp := *entry
		out = append(out, &cp)
	}
	return out
}

// Sweep walks all presence entries once: users silent past AwayAfter are
// marked away, users silent past GoneAfter are removed and their locks
// released.
func (s *Service) Sweep(ctx context.Context) {
	now := clock.Now()

	type change struct {
		sessionID, userID, kind string
		released                []string
	}
	var changes []change

	s.mu.lock()
	for sessionID, users := range s.presence {
		for userID, entry := range users {
			silent := now.Sub(entry.LastSeen)
			switch {
			case silent > s.config.GoneAfter:
				delete(users, userID)
				released := s.releaseAllLocked(sessionID, userID)
				changes = append(changes, change{sessionID, userID, "gone", released})
			case silent > s.config.AwayAfter && entry.State == PresenceActive:
				entry.State = PresenceAway
				changes = append(changes, change{sessionID, userID, "away", nil})
			}
		}
		if len(users) == 0 {
			delete(s.presence, sessionID)
		}
	}
	s.mu.unlock()

	for _, c := range changes {
		if c.kind == "gone" {
			for _, step := range c.released {
				s.appendAudit(ctx, c.sessionID, audit.ActionLockExpired, c.userID,
					map[string]interface{}{"step": step, "reason": "heartbeat lapsed"})
			}
			s.publish(ctx, &event.Event{Type: event.TypePresenceGone, SessionID: c.sessionID, UserID: c.userID})
			continue
		}
		s.publish(ctx, &event.Event{Type: event.TypePresenceAway, SessionID: c.sessionID, UserID: c.userID})
	}
}

// StartSweeper runs Sweep on a ticker until stop is called or ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Second
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
				s.Sweep(ctx)
			}
		}
	}()
	return func() { close(done) }
}
