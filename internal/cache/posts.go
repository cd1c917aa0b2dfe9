package cache

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/roach88/skein/internal/model"
)

// DefaultPostCapacity matches the stock client settings.
var DefaultPostCapacity = Capacity{MaxCount: 10000, SurviveDensity: 0.5}

// PostCache indexes posts across three disjoint id sets.
type PostCache struct {
	mu           sync.RWMutex
	live         map[uint64]*PostEntry
	placeholders map[uint64]*PostEntry
	tombstones   map[uint64]struct{}

	loader Loader[model.Post]
	res    *residency
	ev     *evictor
}

// NewPostCache creates an empty post cache reloading released payloads
// through loader.
func NewPostCache(loader Loader[model.Post], opts ...Option) *PostCache {
	o := buildOptions(DefaultPostCapacity, opts)
	c := &PostCache{
		live:         make(map[uint64]*PostEntry),
		placeholders: make(map[uint64]*PostEntry),
		tombstones:   make(map[uint64]struct{}),
		loader:       loader,
	}
	c.res = &residency{clock: o.clock}
	c.ev = &evictor{
		capacity: o.capacity,
		res:      c.res,
		schedule: o.schedule,
		logger:   o.logger,
		name:     "posts",
	}
	c.res.grew = func() { c.ev.trigger(c.liveEntries) }
	return c
}

// Contains reports which existence bucket id is in. Never touches the store.
func (c *PostCache) Contains(id uint64) model.ExistenceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked(id)
}

func (c *PostCache) stateLocked(id uint64) model.ExistenceState {
	if _, ok := c.tombstones[id]; ok {
		return model.ServerDeleted
	}
	if _, ok := c.live[id]; ok {
		return model.Exists
	}
	if _, ok := c.placeholders[id]; ok {
		return model.PlaceholderExists
	}
	return model.Unreceived
}

// Get returns the live or placeholder entry for id. When absent and
// createPlaceholder is set, exactly one placeholder is created no matter how
// many callers race. Tombstoned ids and id 0 never get a placeholder.
func (c *PostCache) Get(id uint64, createPlaceholder bool) (*PostEntry, bool) {
	c.mu.RLock()
	e, ok := c.lookupLocked(id)
	c.mu.RUnlock()
	if ok || !createPlaceholder || id == 0 {
		return e, ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookupLocked(id); ok {
		return e, true
	}
	if _, dead := c.tombstones[id]; dead {
		return nil, false
	}
	e = newPostEntry(id, c.res, c.loader)
	c.placeholders[id] = e
	return e, true
}

func (c *PostCache) lookupLocked(id uint64) (*PostEntry, bool) {
	if e, ok := c.live[id]; ok {
		return e, true
	}
	if e, ok := c.placeholders[id]; ok {
		return e, true
	}
	return nil, false
}

// Load returns the live post snapshot for id, reloading if released.
func (c *PostCache) Load(ctx context.Context, id uint64) (model.Post, bool, error) {
	c.mu.RLock()
	e, ok := c.live[id]
	c.mu.RUnlock()
	if !ok {
		return model.Post{}, false, nil
	}
	return e.Snapshot(ctx)
}

// GetAll returns snapshots of every live post accepted by pred (nil accepts
// all). Released payloads are reloaded; a reload failure aborts the call.
func (c *PostCache) GetAll(ctx context.Context, pred func(model.Post) bool) ([]model.Post, error) {
	entries := c.LiveEntries()

	out := make([]model.Post, 0, len(entries))
	for _, e := range entries {
		p, ok, err := e.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("get all: %w", err)
		}
		if !ok {
			continue
		}
		if pred == nil || pred(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// scanBatch bounds how many released payloads Scan reads between context
// checks.
const scanBatch = 256

// Scan returns snapshots of every live post accepted by pred, like GetAll,
// without disturbing residency. Resident payloads are tested first; released
// ones are then read from the store in batches and dropped again, so a scan
// neither refreshes access times nor triggers a sweep.
func (c *PostCache) Scan(ctx context.Context, pred func(model.Post) bool) ([]model.Post, error) {
	entries := c.LiveEntries()

	out := make([]model.Post, 0, len(entries))
	var released []*PostEntry
	for _, e := range entries {
		p, ok := e.PeekSnapshot()
		if !ok {
			released = append(released, e)
			continue
		}
		if pred == nil || pred(p) {
			out = append(out, p)
		}
	}

	for batch := range slices.Chunk(released, scanBatch) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for _, e := range batch {
			p, ok, err := e.ReadSnapshot(ctx)
			if err != nil {
				return nil, fmt.Errorf("scan: %w", err)
			}
			if ok && (pred == nil || pred(p)) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// LiveEntries returns a copy of the live entry list.
func (c *PostCache) LiveEntries() []*PostEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*PostEntry, 0, len(c.live))
	for _, e := range c.live {
		out = append(out, e)
	}
	return out
}

// Insert registers p as live. A placeholder for the id is promoted in
// place so holders of the placeholder see the payload. Inserting an id that
// is already live returns the existing entry with added false.
func (c *PostCache) Insert(p model.Post) (e *PostEntry, added bool, err error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if _, dead := c.tombstones[p.ID]; dead {
		c.mu.Unlock()
		return nil, false, model.NewTombstonedError(p.ID)
	}
	if e, ok := c.live[p.ID]; ok {
		c.mu.Unlock()
		return e, false, nil
	}
	e, ok := c.placeholders[p.ID]
	if ok {
		delete(c.placeholders, p.ID)
	} else {
		e = newPostEntry(p.ID, c.res, c.loader)
	}
	c.live[p.ID] = e
	c.mu.Unlock()

	e.absorb(p)
	e.set(p)
	return e, true, nil
}

// Remove drops id from the live and placeholder sets without tombstoning.
func (c *PostCache) Remove(id uint64) (*PostEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

// Tombstone removes id and marks it server-deleted. The returned entry is
// the removed one, if any.
func (c *PostCache) Tombstone(id uint64) (*PostEntry, bool) {
	if id == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.removeLocked(id)
	c.tombstones[id] = struct{}{}
	return e, ok
}

func (c *PostCache) removeLocked(id uint64) (*PostEntry, bool) {
	if e, ok := c.live[id]; ok {
		delete(c.live, id)
		e.drop()
		return e, true
	}
	if e, ok := c.placeholders[id]; ok {
		delete(c.placeholders, id)
		return e, true
	}
	return nil, false
}

// Hydrate adds persisted posts as live, non-resident entries. Tombstoned
// and already known ids are skipped. Returns the number added.
func (c *PostCache) Hydrate(posts iter.Seq2[model.Post, error]) (int, error) {
	var n int
	for p, err := range posts {
		if err != nil {
			return n, fmt.Errorf("hydrate posts: %w", err)
		}
		if p.ID == 0 {
			continue
		}

		c.mu.Lock()
		if c.stateLocked(p.ID) == model.Unreceived {
			e := newPostEntry(p.ID, c.res, c.loader)
			e.absorb(p)
			e.MarkPersisted()
			c.live[p.ID] = e
			n++
		}
		c.mu.Unlock()
	}
	return n, nil
}

// ReleaseIfColdAndOverCapacity runs an eviction sweep now if the resident
// count exceeds capacity. Returns the number of payloads released; 0 when a
// sweep is already running.
func (c *PostCache) ReleaseIfColdAndOverCapacity() int {
	if !c.ev.overCapacity() {
		return 0
	}
	return c.ev.sweep(c.liveEntries)
}

func (c *PostCache) liveEntries() []coldEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]coldEntry, 0, len(c.live))
	for _, e := range c.live {
		out = append(out, e)
	}
	return out
}

// Capacity returns the configured eviction threshold.
func (c *PostCache) Capacity() Capacity {
	return c.ev.capacity
}

// Stats returns current counts.
func (c *PostCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Live:        len(c.live),
		Placeholder: len(c.placeholders),
		Tombstoned:  len(c.tombstones),
		Resident:    c.res.resident.Load(),
		Released:    c.ev.released.Load(),
	}
}
