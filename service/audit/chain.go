package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/medscreen/collab/model/types"
)

// GenesisHash seeds the chain of every session.
var GenesisHash = strings.Repeat("0", 64)

func hashHex(parts ...string) string {
	h := sha3.New256()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DataHash computes the content hash of one entry: a digest over the action,
// user, timestamp and the canonical JSON encoding of the details map.  Go's
// encoder sorts map keys, which keeps the encoding deterministic.
func DataHash(action, userID string, at time.Time, details map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return hashHex(action, userID, at.UTC().Format(time.RFC3339Nano), string(encoded)), nil
}

// Seal computes and stamps DataHash/EntryHash on the entry, linking it to
// prevHash.
func Seal(entry *Entry, prevHash string) error {
	dataHash, err := DataHash(entry.Action, entry.UserID, entry.CreatedAt, entry.Details)
	if err != nil {
		return err
	}
	entry.DataHash = dataHash
	entry.PrevHash = prevHash
	entry.EntryHash = hashHex(prevHash, dataHash)
	return nil
}

// Verify walks the entries in order, recomputing every hash; the first
// mismatch yields an integrity error.
func Verify(sessionID string, entries []*Entry) error {
	prev := GenesisHash
	for i, entry := range entries {
		dataHash, err := DataHash(entry.Action, entry.UserID, entry.CreatedAt, entry.Details)
		if err != nil {
			return err
		}
		if dataHash != entry.DataHash {
			return types.NewIntegrityError(sessionID, fmt.Sprintf("entry %d: data hash mismatch", i))
		}
		if entry.PrevHash != prev {
			return types.NewIntegrityError(sessionID, fmt.Sprintf("entry %d: broken link", i))
		}
		if hashHex(prev, dataHash) != entry.EntryHash {
			return types.NewIntegrityError(sessionID, fmt.Sprintf("entry %d: entry hash mismatch", i))
		}
		prev = entry.EntryHash
	}
	return nil
}
