package transport

import "sync"

// Subscription is a handle on one registered handler.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription returns a handle that calls release once on Unsubscribe.
// Conn implementations outside this package use it to hand out handles.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// handlerSet holds handlers by event name.
type handlerSet struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	order    map[string][]uint64 // Registration order per event
}

func newHandlerSet() *handlerSet {
	return &handlerSet{
		handlers: make(map[string]map[uint64]Handler),
		order:    make(map[string][]uint64),
	}
}

func (s *handlerSet) add(event string, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[uint64]Handler)
	}
	s.handlers[event][id] = h
	s.order[event] = append(s.order[event], id)

	return NewSubscription(func() { s.remove(event, id) })
}

func (s *handlerSet) remove(event string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handlers[event], id)
	ids := s.order[event]
	for i, v := range ids {
		if v == id {
			s.order[event] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.handlers[event]) == 0 {
		delete(s.handlers, event)
		delete(s.order, event)
	}
}

// get returns the handlers for event in registration order.
func (s *handlerSet) get(event string) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[event]
	if len(ids) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handlers[event][id])
	}
	return out
}

func (s *handlerSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, hs := range s.handlers {
		n += len(hs)
	}
	return n
}
