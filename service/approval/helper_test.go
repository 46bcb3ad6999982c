package approval_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medscreen/collab/model/types"
	"github.com/medscreen/collab/service/approval"
	memApproval "github.com/medscreen/collab/service/approval/memory"
)

// TestWaitForDecision verifies that WaitForDecision blocks until a decision
// is recorded and returns the correct decision data.
func TestWaitForDecision(t *testing.T) {
	type testCase struct {
		name        string
		approve     bool
		expectError bool
		timeout     time.Duration
		decideDelay time.Duration
	}

	tests := []testCase{{
		name:        "approved before timeout",
		approve:     true,
		timeout:     500 * time.Millisecond,
		decideDelay: 10 * time.Millisecond,
	}, {
		name:        "rejected before timeout",
		approve:     false,
		timeout:     500 * time.Millisecond,
		decideDelay: 10 * time.Millisecond,
	}, {
		name:        "timeout waiting for decision",
		approve:     true, // irrelevant, decision never sent in time
		expectError: true,
		timeout:     50 * time.Millisecond,
		decideDelay: 200 * time.Millisecond,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			svc := memApproval.New()

			req := &approval.Request{
				ID:          "req-1",
				SessionID:   "s1",
				Step:        "doctor_diagnosis",
				RequestedBy: "doctor-1",
			}
			assert.NoError(t, svc.RequestApproval(ctx, req))

			go func() {
				time.Sleep(tc.decideDelay)
				_, _ = svc.Decide(ctx, req.ID, "supervisor-1", tc.approve, "")
			}()

			decision, err := approval.WaitForDecision(ctx, svc, req.ID, tc.timeout)
			if tc.expectError {
				assert.ErrorIs(t, err, types.ErrTimeout)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.approve, decision.Approved)
			assert.Equal(t, "supervisor-1", decision.DecidedBy)
		})
	}
}

func TestListPendingFilters(t *testing.T) {
	ctx := context.Background()
	svc := memApproval.New()

	requests := []*approval.Request{
		{ID: "r1", SessionID: "s1", Step: "doctor_diagnosis", RequestedBy: "d1"},
		{ID: "r2", SessionID: "s1", Step: "registration", RequestedBy: "n1", Kind: approval.KindConflict},
		{ID: "r3", SessionID: "s2", Step: "doctor_diagnosis", RequestedBy: "d2"},
	}
	for _, r := range requests {
		assert.NoError(t, svc.RequestApproval(ctx, r))
	}

	type testCase struct {
		name     string
		filters  []approval.PendingFilter
		expected []string
	}
	tests := []testCase{
		{
			name:     "by session",
			filters:  []approval.PendingFilter{approval.WithSessionID("s1")},
			expected: []string{"r1", "r2"},
		},
		{
			name:     "by step",
			filters:  []approval.PendingFilter{approval.WithStep("doctor_diagnosis")},
			expected: []string{"r1", "r3"},
		},
		{
			name:     "by kind and session",
			filters:  []approval.PendingFilter{approval.WithKind(approval.KindConflict), approval.WithSessionID("s1")},
			expected: []string{"r2"},
		},
		{
			name:     "no filters",
			filters:  nil,
			expected: []string{"r1", "r2", "r3"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			actual, err := approval.ListPending(ctx, svc, tc.filters...)
			assert.NoError(t, err)
			var ids []string
			for _, r := range actual {
				ids = append(ids, r.ID)
			}
			sort.Strings(ids)
			assert.Equal(t, tc.expected, ids)
		})
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc := memApproval.New()

	req := &approval.Request{ID: "r1", SessionID: "s1", Step: "doctor_diagnosis", RequestedBy: "d1"}
	assert.NoError(t, svc.RequestApproval(ctx, req))

	assert.ErrorIs(t, svc.Cancel(ctx, "r1", "someone-else"), types.ErrPermission)
	assert.NoError(t, svc.Cancel(ctx, "r1", "d1"))

	pending, err := svc.ListPending(ctx)
	assert.NoError(t, err)
	assert.Empty(t, pending)

	_, err = svc.Decide(ctx, "r1", "supervisor", true, "")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestAutoExpire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := memApproval.New()

	expireAt := time.Now().Add(-time.Minute) // already expired
	req := &approval.Request{ID: "exp1", SessionID: "s1", Step: "doctor_diagnosis",
		RequestedBy: "d1", ExpiresAt: &expireAt}
	assert.NoError(t, svc.RequestApproval(ctx, req))

	stop := approval.AutoExpire(ctx, svc, "expired", 10*time.Millisecond)
	defer stop()

	decision, err := approval.WaitForDecision(ctx, svc, req.ID, 500*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, "expired", decision.Reason)
}
