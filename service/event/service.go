package event

import (
	"context"
	"sync"

	"github.com/medscreen/collab/internal/clock"
	"github.com/medscreen/collab/internal/idgen"
	"github.com/medscreen/collab/service/messaging"
	"github.com/medscreen/collab/service/messaging/memory"
)

// Handler processes one dispatched event.
type Handler func(e *Event)

// Service publishes workflow events to the underlying queue and dispatches
// consumed events to per-type handlers.
type Service struct {
	queue    messaging.Queue[Event]
	mu       sync.RWMutex
	handlers map[Type][]Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option customises the service.
type Option func(*Service)

// WithQueue overrides the default in-memory queue with an external transport.
func WithQueue(queue messaging.Queue[Event]) Option {
	return func(s *Service) { s.queue = queue }
}

// New creates an event service backed by an in-memory queue unless overridden.
func New(options ...Option) *Service {
	ret := &Service{handlers: make(map[Type][]Handler)}
	for _, option := range options {
		option(ret)
	}
	if ret.queue == nil {
		ret.queue = memory.NewQueue[Event](memory.DefaultConfig())
	}
	return ret
}

// Publish stamps and enqueues an event.
func (s *Service) Publish(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = idgen.New()
	}
	e.CreatedAt = clock.Now()
	return s.queue.Publish(ctx, e)
}

// Subscribe registers a handler for the supplied event types; an empty type
// list subscribes to every type.
func (s *Service) Subscribe(handler Handler, types ...Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(types) == 0 {
		s.handlers[""] = append(s.handlers[""], handler)
		return
	}
	for _, t := range types {
		s.handlers[t] = append(s.handlers[t], handler)
	}
}

// Start launches the dispatch loop; call Stop (or cancel ctx) to terminate.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			msg, err := s.queue.Consume(ctx)
			if err != nil {
				return
			}
			_ = msg.Ack()
			s.dispatch(msg.T())
		}
	}()
}

// Stop terminates the dispatch loop and waits for it to drain.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) dispatch(e *Event) {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers[e.Type]...)
	handlers = append(handlers, s.handlers[""]...)
	s.mu.RUnlock()
	for _, handler := range handlers {
		handler(e)
	}
}
