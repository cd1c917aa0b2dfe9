package model

import "sync/atomic"

// Clock is a monotonic logical clock.
//
// The cache stamps entry access with it instead of wall time so that
// eviction order is total: two reads never share a stamp.
//
// Safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next stamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last stamp handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
