package filter

import "sync"

// Signals carries a filter's re-acceptance requests to whoever consumes
// its results. The zero value is ready to use.
type Signals struct {
	mu       sync.Mutex
	next     int
	reaccept map[int]func()
	partial  map[int]func(id uint64)
}

// OnReaccept registers fn to run when every cached post must be re-tested.
// The returned cancel unregisters it.
func (s *Signals) OnReaccept(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reaccept == nil {
		s.reaccept = make(map[int]func())
	}
	id := s.next
	s.next++
	s.reaccept[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reaccept, id)
	}
}

// OnPartialReaccept registers fn to run when one post must be re-tested.
func (s *Signals) OnPartialReaccept(fn func(id uint64)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partial == nil {
		s.partial = make(map[int]func(uint64))
	}
	id := s.next
	s.next++
	s.partial[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.partial, id)
	}
}

// RaiseReaccept notifies full re-acceptance listeners. Listeners run on the
// caller's goroutine, outside the lock.
func (s *Signals) RaiseReaccept() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.reaccept))
	for _, fn := range s.reaccept {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// RaisePartialReaccept notifies partial re-acceptance listeners about id.
func (s *Signals) RaisePartialReaccept(id uint64) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	fns := make([]func(uint64), 0, len(s.partial))
	for _, fn := range s.partial {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}
