package filter

import (
	"context"
	"strings"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

// Cluster combines filters with one operator. It is itself a Filter, so
// clusters nest. An empty cluster matches nothing, negated or not.
type Cluster struct {
	op      query.Op
	negated bool
	items   []Filter
	signals Signals
	cancels []func()
}

// NewCluster combines items with op. Re-accept requests from any item are
// forwarded through the cluster's own signals.
func NewCluster(op query.Op, negated bool, items ...Filter) *Cluster {
	c := &Cluster{op: op, negated: negated, items: items}
	for _, f := range items {
		s := f.Signals()
		c.cancels = append(c.cancels,
			s.OnReaccept(c.signals.RaiseReaccept),
			s.OnPartialReaccept(c.signals.RaisePartialReaccept),
		)
	}
	return c
}

// Items returns the combined filters.
func (c *Cluster) Items() []Filter { return c.items }

// Op returns the combining operator.
func (c *Cluster) Op() query.Op { return c.op }

// Empty reports whether the cluster has no items.
func (c *Cluster) Empty() bool { return len(c.items) == 0 }

// Match implements Filter.
func (c *Cluster) Match(ctx context.Context, p model.Post) bool {
	if len(c.items) == 0 {
		return false
	}
	var r bool
	if c.op == query.OpOr {
		for _, f := range c.items {
			if f.Match(ctx, p) {
				r = true
				break
			}
		}
	} else {
		r = true
		for _, f := range c.items {
			if !f.Match(ctx, p) {
				r = false
				break
			}
		}
	}
	return r != c.negated
}

// Expr implements Filter.
func (c *Cluster) Expr() query.Expr {
	g := &query.Group{Op: c.op, Negated: c.negated}
	for _, f := range c.items {
		g.Items = append(g.Items, f.Expr())
	}
	return g
}

// Describe implements Filter.
func (c *Cluster) Describe() string {
	if len(c.items) == 0 {
		return "nothing"
	}
	join := " and "
	if c.op == query.OpOr {
		join = " or "
	}
	parts := make([]string, len(c.items))
	for i, f := range c.items {
		d := f.Describe()
		if sub, ok := f.(*Cluster); ok && len(sub.items) > 1 && !sub.negated {
			d = "(" + d + ")"
		}
		parts[i] = d
	}
	d := strings.Join(parts, join)
	if c.negated {
		return "not (" + d + ")"
	}
	return d
}

// Signals implements Filter.
func (c *Cluster) Signals() *Signals { return &c.signals }

// Start starts background work of every item that has any.
func (c *Cluster) Start(ctx context.Context) {
	for _, f := range c.items {
		if s, ok := f.(interface{ Start(context.Context) }); ok {
			s.Start(ctx)
		}
	}
}

// Dispose implements Filter. It disposes every item.
func (c *Cluster) Dispose() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	for _, f := range c.items {
		f.Dispose()
	}
}
