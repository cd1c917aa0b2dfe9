package query

// Expr is a parsed query: a single filter term or a group of them.
//
// This is a sealed interface - only *Term and *Group implement it.
type Expr interface {
	exprNode() // Marker method - seals interface to this package
}

// Term is one filter reference: identifier[!][:args].
type Term struct {
	Identifier string
	Negated    bool
	Args       []Value
}

func (*Term) exprNode() {}

// Op joins the items of a group.
type Op int

const (
	OpAnd Op = iota
	OpOr
)

// String returns the operator symbol.
func (o Op) String() string {
	if o == OpOr {
		return "|"
	}
	return "&"
}

// Group combines items with a single operator. An empty group matches
// nothing.
type Group struct {
	Op      Op
	Negated bool
	Items   []Expr
}

func (*Group) exprNode() {}
