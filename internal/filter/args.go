package filter

import (
	"fmt"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

// argReader pulls typed arguments off a term, keeping the first error.
type argReader struct {
	term *query.Term
	err  error
}

func (r *argReader) fail(format string, args ...any) {
	if r.err == nil {
		msg := fmt.Sprintf("%s: %s", r.term.Identifier, fmt.Sprintf(format, args...))
		r.err = model.NewInvalidQueryError(msg, nil)
	}
}

// atMost rejects terms with more than n arguments.
func (r *argReader) atMost(n int) {
	if len(r.term.Args) > n {
		r.fail("takes at most %d arguments, got %d", n, len(r.term.Args))
	}
}

func (r *argReader) has(i int) bool { return i < len(r.term.Args) }

func (r *argReader) string(i int, name string) string {
	if !r.has(i) {
		r.fail("missing %s", name)
		return ""
	}
	switch v := r.term.Args[i].(type) {
	case query.String:
		return string(v)
	case query.Int:
		// Bare numeric screen names and slugs are still names.
		return fmt.Sprint(int64(v))
	default:
		r.fail("%s must be a string", name)
		return ""
	}
}

func (r *argReader) optBool(i int, name string) bool {
	if !r.has(i) {
		return false
	}
	v, ok := r.term.Args[i].(query.Bool)
	if !ok {
		r.fail("%s must be true or false", name)
	}
	return bool(v)
}

func (r *argReader) int(i int, name string) int64 {
	if !r.has(i) {
		r.fail("missing %s", name)
		return 0
	}
	v, ok := r.term.Args[i].(query.Int)
	if !ok {
		r.fail("%s must be a number", name)
	}
	return int64(v)
}

// rangeArg accepts a range or a single number, which pivots to [n..n].
// A missing range is [0..0].
func (r *argReader) rangeArg(i int) query.Range {
	if !r.has(i) {
		return query.Pivot(0)
	}
	switch v := r.term.Args[i].(type) {
	case query.Range:
		return v
	case query.Int:
		return query.Pivot(int64(v))
	default:
		r.fail("range must be [a..b] or a number")
		return query.Range{}
	}
}
