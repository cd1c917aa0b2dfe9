// Package account tracks the viewer's own accounts and their relationship
// sets. Filters and the pipeline ask it whether an id is local and who a
// local account follows, is followed by, or blocks.
package account

import (
	"slices"
	"strings"
	"sync"
)

// Viewer identifies one local account.
type Viewer struct {
	ID         uint64 `yaml:"id" json:"id"`
	ScreenName string `yaml:"screen_name" json:"screen_name"`
}

// Relation selects one of an account's relationship sets.
type Relation int

const (
	Following Relation = iota
	Followers
	Blocking
)

func (r Relation) String() string {
	switch r {
	case Following:
		return "following"
	case Followers:
		return "followers"
	case Blocking:
		return "blocking"
	default:
		return "unknown"
	}
}

type account struct {
	viewer Viewer
	sets   [3]map[uint64]struct{}
}

func newAccount(v Viewer) *account {
	a := &account{viewer: v}
	for i := range a.sets {
		a.sets[i] = make(map[uint64]struct{})
	}
	return a
}

// Registry holds the local accounts.
type Registry struct {
	mu       sync.RWMutex
	accounts map[uint64]*account
}

// NewRegistry creates a registry with the given viewers.
func NewRegistry(viewers ...Viewer) *Registry {
	r := &Registry{accounts: make(map[uint64]*account)}
	for _, v := range viewers {
		r.Add(v)
	}
	return r
}

// Add registers a local account. Id 0 is ignored.
func (r *Registry) Add(v Viewer) {
	if v.ID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[v.ID]; ok {
		a.viewer = v
		return
	}
	r.accounts[v.ID] = newAccount(v)
}

// IsLocal reports whether id is one of the viewer's accounts.
func (r *Registry) IsLocal(id uint64) bool {
	if r == nil || id == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[id]
	return ok
}

// Viewers returns the local accounts ordered by id.
func (r *Registry) Viewers() []Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Viewer, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a.viewer)
	}
	slices.SortFunc(out, func(a, b Viewer) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Resolve returns the local account ids matching screenName. An empty name
// or "*" matches every local account.
func (r *Registry) Resolve(screenName string) []uint64 {
	var out []uint64
	for _, v := range r.Viewers() {
		if screenName == "" || screenName == "*" || strings.EqualFold(v.ScreenName, screenName) {
			out = append(out, v.ID)
		}
	}
	return out
}

// Set replaces one relationship set of a local account.
func (r *Registry) Set(accountID uint64, rel Relation, ids []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return
	}
	m := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	a.sets[rel] = m
}

// Update adds or removes userID in a relationship set. Returns whether the
// set changed; false also when accountID is not local.
func (r *Registry) Update(accountID uint64, rel Relation, userID uint64, present bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return false
	}
	_, had := a.sets[rel][userID]
	if present {
		a.sets[rel][userID] = struct{}{}
	} else {
		delete(a.sets[rel], userID)
	}
	return had != present
}

// Has reports whether userID is in the account's relationship set.
func (r *Registry) Has(accountID uint64, rel Relation, userID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return false
	}
	_, in := a.sets[rel][userID]
	return in
}

// AnyHas reports whether any of accountIDs has userID in rel.
func (r *Registry) AnyHas(accountIDs []uint64, rel Relation, userID uint64) bool {
	for _, id := range accountIDs {
		if r.Has(id, rel, userID) {
			return true
		}
	}
	return false
}
