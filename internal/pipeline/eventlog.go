package pipeline

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/skein/internal/bus"
)

const defaultEventLogSize = 1000

// eventLog keeps the most recent social events for notification views.
type eventLog struct {
	mu     sync.Mutex
	max    int
	events []bus.Event
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = defaultEventLogSize
	}
	return &eventLog{max: max}
}

func (l *eventLog) append(e bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)
	if over := len(l.events) - l.max; over > 0 {
		l.events = slices.Delete(l.events, 0, over)
	}
}

func (l *eventLog) remove(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.IndexFunc(l.events, func(e bus.Event) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	l.events = slices.Delete(l.events, i, i+1)
	return true
}

func (l *eventLog) snapshot() []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// Events returns the logged social events, oldest first.
func (p *Pipeline) Events() []bus.Event {
	return p.log.snapshot()
}

// RemoveEvent drops one event from the log.
func (p *Pipeline) RemoveEvent(id uuid.UUID) bool {
	return p.log.remove(id)
}
