// Package leveldb persists the audit chain in LevelDB.  Entries are stored
// under "entry_<session>_<seq>" keys with a zero-padded sequence so that a
// prefix iteration yields them in chain order; the per-session head sequence
// is cached under a meta key.
package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/internal/idgen"
	"github.com/medscreen/collab/service/audit"
)

type service struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB-backed audit log at path.
func Open(path string) (audit.Service, func() error, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, nil, err
	}
	return &service{db: db}, db.Close, nil
}

// New wraps an already-open handle; the caller retains ownership.
func New(db *leveldb.DB) audit.Service {
	return &service{db: db}
}

func entryKey(sessionID string, seq int) []byte {
	return []byte(fmt.Sprintf("entry_%s_%012d", sessionID, seq))
}

func headKey(sessionID string) []byte {
	return []byte("head_" + sessionID)
}

func (s *service) head(sessionID string) (int, string, error) {
	raw, err := s.db.Get(headKey(sessionID), nil)
	if err == leveldb.ErrNotFound {
		return 0, audit.GenesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	seq, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, "", err
	}
	data, err := s.db.Get(entryKey(sessionID, seq-1), nil)
	if err != nil {
		return 0, "", err
	}
	var last audit.Entry
	if err := json.Unmarshal(data, &last); err != nil {
		return 0, "", err
	}
	return seq, last.EntryHash, nil
}

func (s *service) Append(_ context.Context, sessionID, action, userID string, details map[string]interface{}) (*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, prev, err := s.head(sessionID)
	if err != nil {
		return nil, err
	}
	entry := &audit.Entry{
		ID:        idgen.New(),
		SessionID: sessionID,
		Seq:       seq,
		Action:    action,
		UserID:    userID,
		Details:   details,
		CreatedAt: clock.Now(),
	}
	if err := audit.Seal(entry, prev); err != nil {
		return nil, err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(sessionID, seq), data)
	batch.Put(headKey(sessionID), []byte(strconv.Itoa(seq+1)))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) Trail(_ context.Context, sessionID string) ([]*audit.Entry, error) {
	prefix := []byte("entry_" + sessionID + "_")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []*audit.Entry
	for iter.Next() {
		var entry audit.Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, iter.Error()
}

func (s *service) VerifyChain(ctx context.Context, sessionID string) error {
	entries, err := s.Trail(ctx, sessionID)
	if err != nil {
		return err
	}
	return audit.Verify(sessionID, entries)
}

var _ audit.Service = (*service)(nil)
