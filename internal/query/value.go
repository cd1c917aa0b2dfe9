package query

import (
	"strconv"
	"strings"
)

// Value is a sealed interface over filter argument types.
// Only String, Int, Bool and Range implement it.
type Value interface {
	value() // Sealed - only these types implement it
}

// String is a quoted or bare-word argument.
type String string

func (String) value() {}

// Int is a signed decimal argument.
type Int int64

func (Int) value() {}

// Bool is a true/false argument.
type Bool bool

func (Bool) value() {}

// Range is an interval over counts. Either bound may be open-ended.
//
// Written as [a..b], (a..b), [a..b) or (a..b]; an omitted bound is
// unbounded on that side: [3..] means "3 or more".
type Range struct {
	From, To                   int64
	HasFrom, HasTo             bool
	FromExclusive, ToExclusive bool
}

func (Range) value() {}

// Pivot returns the closed range holding only v.
func Pivot(v int64) Range {
	return Range{From: v, To: v, HasFrom: true, HasTo: true}
}

// AtLeast returns [v..].
func AtLeast(v int64) Range {
	return Range{From: v, HasFrom: true}
}

// Between returns the closed range [from..to].
func Between(from, to int64) Range {
	return Range{From: from, To: to, HasFrom: true, HasTo: true}
}

// Contains reports whether n lies in the range.
func (r Range) Contains(n int64) bool {
	if r.HasFrom {
		if r.FromExclusive && n <= r.From || !r.FromExclusive && n < r.From {
			return false
		}
	}
	if r.HasTo {
		if r.ToExclusive && n >= r.To || !r.ToExclusive && n > r.To {
			return false
		}
	}
	return true
}

// String formats the range in query syntax.
func (r Range) String() string {
	var b strings.Builder
	if r.FromExclusive {
		b.WriteByte('(')
	} else {
		b.WriteByte('[')
	}
	if r.HasFrom {
		b.WriteString(strconv.FormatInt(r.From, 10))
	}
	b.WriteString("..")
	if r.HasTo {
		b.WriteString(strconv.FormatInt(r.To, 10))
	}
	if r.ToExclusive {
		b.WriteByte(')')
	} else {
		b.WriteByte(']')
	}
	return b.String()
}

// Quote renders s as a query string literal. Bytes are copied as is, so
// invalid UTF-8 survives a Quote and re-parse unchanged.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// formatValue renders one argument.
func formatValue(v Value) string {
	switch v := v.(type) {
	case String:
		return Quote(string(v))
	case Int:
		return strconv.FormatInt(int64(v), 10)
	case Bool:
		return strconv.FormatBool(bool(v))
	case Range:
		return v.String()
	default:
		return ""
	}
}
