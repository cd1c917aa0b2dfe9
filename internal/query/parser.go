package query

import (
	"fmt"
	"strconv"

	"github.com/roach88/skein/internal/model"
)

// Parse parses a query. The empty query is an empty AND group.
//
// Grammar:
//
//	expr   = term { op term }        (one op per nesting level)
//	term   = "(" [ expr ] ")" [ "!" ] | filter
//	filter = word [ "!" ] [ ":" arg { "," arg } ]
//	arg    = string | int | word | range
//	range  = ( "[" | "(" ) [ int ] ".." [ int ] ( "]" | ")" )
//
// Syntax errors are returned as INVALID_QUERY errors wrapping a
// *SyntaxError.
func Parse(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, model.NewInvalidQueryError(fmt.Sprintf("parse %q", src), err)
	}
	p := &parser{toks: toks}

	if p.peek().kind == tokEOF {
		return &Group{Op: OpAnd}, nil
	}
	e, err := p.parseExpr()
	if err == nil && p.peek().kind != tokEOF {
		err = p.errorf("unexpected %s", p.peek().kind)
	}
	if err != nil {
		return nil, model.NewInvalidQueryError(fmt.Sprintf("parse %q", src), err)
	}
	return e, nil
}

// MustParse is Parse for known-good literals. It panics on error.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(k tokenKind) bool {
	if p.peek().kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(k tokenKind) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, found %s", k, t.kind)}
	}
	return t, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

// parseExpr returns a bare term when there is no operator, otherwise a
// group of the operands.
func (p *parser) parseExpr() (Expr, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	var (
		items = []Expr{first}
		op    Op
		seen  bool
	)
	for {
		var cur Op
		switch p.peek().kind {
		case tokAnd:
			cur = OpAnd
		case tokOr:
			cur = OpOr
		default:
			if !seen {
				return first, nil
			}
			return &Group{Op: op, Items: items}, nil
		}
		if seen && cur != op {
			return nil, p.errorf("mixed '&' and '|' need parentheses")
		}
		op, seen = cur, true
		p.next()

		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
}

func (p *parser) parseTerm() (Expr, error) {
	if !p.accept(tokLParen) {
		return p.parseFilter()
	}
	if p.accept(tokRParen) {
		return &Group{Op: OpAnd, Negated: p.accept(tokBang)}, nil
	}

	inner, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if !p.accept(tokBang) {
		// Redundant parentheses carry no meaning.
		return inner, nil
	}
	if g, ok := inner.(*Group); ok && !g.Negated {
		g.Negated = true
		return g, nil
	}
	return &Group{Op: OpAnd, Negated: true, Items: []Expr{inner}}, nil
}

func (p *parser) parseFilter() (*Term, error) {
	t := p.next()
	if t.kind != tokWord {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected filter identifier, found %s", t.kind)}
	}
	term := &Term{Identifier: t.text}
	term.Negated = p.accept(tokBang)
	if !p.accept(tokColon) {
		return term, nil
	}

	for {
		v, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		term.Args = append(term.Args, v)
		if !p.accept(tokComma) {
			return term, nil
		}
	}
}

func (p *parser) parseArg() (Value, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return String(t.text), nil
	case tokInt:
		p.next()
		return parseInt(t)
	case tokWord:
		p.next()
		switch t.text {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return String(t.text), nil
	case tokLBracket, tokLParen:
		return p.parseRange()
	default:
		return nil, p.errorf("expected argument, found %s", t.kind)
	}
}

func (p *parser) parseRange() (Value, error) {
	var r Range
	r.FromExclusive = p.next().kind == tokLParen

	if t := p.peek(); t.kind == tokInt {
		p.next()
		n, err := parseInt(t)
		if err != nil {
			return nil, err
		}
		r.From, r.HasFrom = int64(n), true
	}
	if _, err := p.expect(tokDotDot); err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokInt {
		p.next()
		n, err := parseInt(t)
		if err != nil {
			return nil, err
		}
		r.To, r.HasTo = int64(n), true
	}

	switch t := p.next(); t.kind {
	case tokRBracket:
	case tokRParen:
		r.ToExclusive = true
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected ']' or ')' to close range, found %s", t.kind)}
	}
	if r.HasFrom && r.HasTo && r.From > r.To {
		return nil, p.errorf("empty range %s", r)
	}
	return r, nil
}

func parseInt(t token) (Int, error) {
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return 0, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("bad number %q", t.text)}
	}
	return Int(n), nil
}
