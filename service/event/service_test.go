package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceDispatch(t *testing.T) {
	svc := New()
	ctx := context.Background()

	var mu sync.Mutex
	var presence, all []Type

	svc.Subscribe(func(e *Event) {
		mu.Lock()
		presence = append(presence, e.Type)
		mu.Unlock()
	}, TypePresenceJoined, TypePresenceLeft)
	svc.Subscribe(func(e *Event) {
		mu.Lock()
		all = append(all, e.Type)
		mu.Unlock()
	})

	svc.Start(ctx)
	defer svc.Stop()

	assert.NoError(t, svc.Publish(ctx, &Event{Type: TypePresenceJoined, SessionID: "s1", UserID: "u1"}))
	assert.NoError(t, svc.Publish(ctx, &Event{Type: TypeStepTransition, SessionID: "s1", Step: "registration"}))
	assert.NoError(t, svc.Publish(ctx, &Event{Type: TypePresenceLeft, SessionID: "s1", UserID: "u1"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 3 && len(presence) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Type{TypePresenceJoined, TypePresenceLeft}, presence)
}
