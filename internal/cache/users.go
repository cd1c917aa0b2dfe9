package cache

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/roach88/skein/internal/model"
)

// DefaultUserCapacity matches the stock client settings.
var DefaultUserCapacity = Capacity{MaxCount: 1000, SurviveDensity: 0.5}

// UserCache indexes user profiles by id and by screen name.
type UserCache struct {
	mu       sync.RWMutex
	users    map[uint64]*Entry[model.User]
	byHandle map[string]uint64

	// writeMu serializes Merge so the last-writer-wins compare and the
	// payload swap happen together.
	writeMu sync.Mutex

	loader Loader[model.User]
	res    *residency
	ev     *evictor
}

// NewUserCache creates an empty user cache.
func NewUserCache(loader Loader[model.User], opts ...Option) *UserCache {
	o := buildOptions(DefaultUserCapacity, opts)
	c := &UserCache{
		users:    make(map[uint64]*Entry[model.User]),
		byHandle: make(map[string]uint64),
		loader:   loader,
	}
	c.res = &residency{clock: o.clock}
	c.ev = &evictor{
		capacity: o.capacity,
		res:      c.res,
		schedule: o.schedule,
		logger:   o.logger,
		name:     "users",
	}
	c.res.grew = func() { c.ev.trigger(c.entries) }
	return c
}

func handleKey(screenName string) string {
	return strings.ToLower(screenName)
}

// Contains reports whether id is known.
func (c *UserCache) Contains(id uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.users[id]
	return ok
}

// Entry returns the entry for id.
func (c *UserCache) Entry(id uint64) (*Entry[model.User], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.users[id]
	return e, ok
}

// Get returns the user, reloading a released payload.
func (c *UserCache) Get(ctx context.Context, id uint64) (model.User, bool, error) {
	e, ok := c.Entry(id)
	if !ok {
		return model.User{}, false, nil
	}
	return e.Load(ctx)
}

// GetByScreenName looks up a user by handle, case-insensitively.
func (c *UserCache) GetByScreenName(ctx context.Context, screenName string) (model.User, bool, error) {
	c.mu.RLock()
	id, ok := c.byHandle[handleKey(screenName)]
	c.mu.RUnlock()
	if !ok {
		return model.User{}, false, nil
	}
	return c.Get(ctx, id)
}

// ScreenName returns the handle for id, or "" if unknown.
func (c *UserCache) ScreenName(ctx context.Context, id uint64) string {
	u, ok, err := c.Get(ctx, id)
	if err != nil || !ok {
		return ""
	}
	return u.ScreenName
}

// Merge applies u by last-writer-wins on LastModifiedAt. An older update is
// discarded with a STALE_WRITE error; an equal or newer one replaces the
// payload. changed reports whether the stored record was replaced.
func (c *UserCache) Merge(ctx context.Context, u model.User) (e *Entry[model.User], changed bool, err error) {
	if err := u.Validate(); err != nil {
		return nil, false, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	e, exists := c.users[u.ID]
	if !exists {
		e = newEntry(u.ID, c.res, c.loader)
		c.users[u.ID] = e
	}
	c.mu.Unlock()

	var prevHandle string
	if exists {
		stored, ok, err := e.Load(ctx)
		if err != nil {
			return e, false, fmt.Errorf("merge user %d: %w", u.ID, err)
		}
		if ok {
			if !u.Supersedes(stored) {
				return e, false, model.NewStaleWriteError(u.ID, u.LastModifiedAt, stored.LastModifiedAt)
			}
			prevHandle = stored.ScreenName
		}
	}

	e.set(u)

	c.mu.Lock()
	if prevHandle != "" && handleKey(prevHandle) != handleKey(u.ScreenName) {
		if c.byHandle[handleKey(prevHandle)] == u.ID {
			delete(c.byHandle, handleKey(prevHandle))
		}
	}
	if u.ScreenName != "" {
		c.byHandle[handleKey(u.ScreenName)] = u.ID
	}
	c.mu.Unlock()

	return e, true, nil
}

// Remove drops the user.
func (c *UserCache) Remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.users[id]
	if !ok {
		return false
	}
	delete(c.users, id)
	for handle, hid := range c.byHandle {
		if hid == id {
			delete(c.byHandle, handle)
		}
	}
	e.drop()
	return true
}

// GetAll returns every user accepted by pred, reloading released payloads.
func (c *UserCache) GetAll(ctx context.Context, pred func(model.User) bool) ([]model.User, error) {
	c.mu.RLock()
	entries := make([]*Entry[model.User], 0, len(c.users))
	for _, e := range c.users {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]model.User, 0, len(entries))
	for _, e := range entries {
		u, ok, err := e.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("get all users: %w", err)
		}
		if ok && (pred == nil || pred(u)) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Hydrate adds persisted users as non-resident entries.
func (c *UserCache) Hydrate(users iter.Seq2[model.User, error]) (int, error) {
	var n int
	for u, err := range users {
		if err != nil {
			return n, fmt.Errorf("hydrate users: %w", err)
		}
		if u.ID == 0 {
			continue
		}

		c.mu.Lock()
		if _, ok := c.users[u.ID]; !ok {
			e := newEntry(u.ID, c.res, c.loader)
			e.MarkPersisted()
			c.users[u.ID] = e
			if u.ScreenName != "" {
				c.byHandle[handleKey(u.ScreenName)] = u.ID
			}
			n++
		}
		c.mu.Unlock()
	}
	return n, nil
}

// ReleaseIfColdAndOverCapacity runs an eviction sweep now if needed.
func (c *UserCache) ReleaseIfColdAndOverCapacity() int {
	if !c.ev.overCapacity() {
		return 0
	}
	return c.ev.sweep(c.entries)
}

func (c *UserCache) entries() []coldEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]coldEntry, 0, len(c.users))
	for _, e := range c.users {
		out = append(out, e)
	}
	return out
}

// Stats returns current counts.
func (c *UserCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Live:     len(c.users),
		Resident: c.res.resident.Load(),
		Released: c.ev.released.Load(),
	}
}
