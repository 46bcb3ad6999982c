package memory

import (
	"context"
	"sync"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/internal/idgen"
	"github.com/medscreen/collab/service/audit"
)

// service keeps per-session entry chains in memory.  Appends to one session
// are serialized under the mutex so that hash links never interleave.
type service struct {
	mu     sync.RWMutex
	chains map[string][]*audit.Entry
}

// New returns an in-memory audit log.
func New() audit.Service {
	return &service{chains: make(map[string][]*audit.Entry)}
}

func (s *service) Append(_ context.Context, sessionID, action, userID string, details map[string]interface{}) (*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[sessionID]
	prev := audit.GenesisHash
	if n := len(chain); n > 0 {
		prev = chain[n-1].EntryHash
	}
	entry := &audit.Entry{
		ID:        idgen.New(),
		SessionID: sessionID,
		Seq:       len(chain),
		Action:    action,
		UserID:    userID,
		Details:   details,
		CreatedAt: clock.Now(),
	}
	if err := audit.Seal(entry, prev); err != nil {
		return nil, err
	}
	s.chains[sessionID] = append(chain, entry)
	return entry, nil
}

func (s *service) Trail(_ context.Context, sessionID string) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*audit.Entry(nil), s.chains[sessionID]...), nil
}

func (s *service) VerifyChain(ctx context.Context, sessionID string) error {
	entries, err := s.Trail(ctx, sessionID)
	if err != nil {
		return err
	}
	return audit.Verify(sessionID, entries)
}

var _ audit.Service = (*service)(nil)
