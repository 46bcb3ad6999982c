package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/service/audit"
	auditldb "github.com/medscreen/collab/service/audit/leveldb"
	auditmem "github.com/medscreen/collab/service/audit/memory"
)

func TestAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	svc := auditmem.New()

	first, err := svc.Append(ctx, "s1", audit.ActionSessionCreated, "u1", map[string]interface{}{"patientId": "p1"})
	assert.NoError(t, err)
	assert.Equal(t, audit.GenesisHash, first.PrevHash)
	assert.Equal(t, 0, first.Seq)

	second, err := svc.Append(ctx, "s1", audit.ActionFieldApplied, "u2", map[string]interface{}{"field": "medical_history"})
	assert.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, 1, second.Seq)

	// independent chain per session
	other, err := svc.Append(ctx, "s2", audit.ActionSessionCreated, "u1", nil)
	assert.NoError(t, err)
	assert.Equal(t, audit.GenesisHash, other.PrevHash)

	assert.NoError(t, svc.VerifyChain(ctx, "s1"))
	assert.NoError(t, svc.VerifyChain(ctx, "s2"))
	assert.NoError(t, svc.VerifyChain(ctx, "unknown"), "empty chain verifies")
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	svc := auditmem.New()

	_, err := svc.Append(ctx, "s1", audit.ActionSessionCreated, "u1", nil)
	assert.NoError(t, err)
	_, err = svc.Append(ctx, "s1", audit.ActionStepTransition, "u1", map[string]interface{}{"to": "completed"})
	assert.NoError(t, err)

	trail, err := svc.Trail(ctx, "s1")
	assert.NoError(t, err)

	// mutate a stored entry
	trail[1].UserID = "intruder"
	err = audit.Verify("s1", trail)
	assert.ErrorIs(t, err, types.ErrIntegrity)

	testCases := []struct {
		name   string
		mutate func(entries []*audit.Entry)
	}{
		{
			name:   "altered details",
			mutate: func(entries []*audit.Entry) { entries[0].Details = map[string]interface{}{"x": 1} },
		},
		{
			name:   "altered prev link",
			mutate: func(entries []*audit.Entry) { entries[1].PrevHash = audit.GenesisHash },
		},
		{
			name:   "altered entry hash",
			mutate: func(entries []*audit.Entry) { entries[1].EntryHash = entries[0].EntryHash },
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fresh, err := svc.Trail(ctx, "s1")
			assert.NoError(t, err)
			tc.mutate(fresh)
			assert.ErrorIs(t, audit.Verify("s1", fresh), types.ErrIntegrity)
		})
	}
}

func TestLevelDBChain(t *testing.T) {
	ctx := context.Background()
	svc, closeFn, err := auditldb.Open(t.TempDir() + "/audit")
	assert.NoError(t, err)
	defer closeFn()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, "s1", audit.ActionFieldApplied, "u1", map[string]interface{}{"seq": i})
		assert.NoError(t, err)
	}
	_, err = svc.Append(ctx, "s2", audit.ActionSessionCreated, "u2", nil)
	assert.NoError(t, err)

	trail, err := svc.Trail(ctx, "s1")
	assert.NoError(t, err)
	assert.Len(t, trail, 5)
	for i, entry := range trail {
		assert.Equal(t, i, entry.Seq)
	}
	assert.NoError(t, svc.VerifyChain(ctx, "s1"))
	assert.NoError(t, svc.VerifyChain(ctx, "s2"))
}
