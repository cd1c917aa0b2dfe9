package query

import "strings"

// Format renders e in canonical query form. Parse(Format(e)) yields an
// equivalent expression.
func Format(e Expr) string {
	var b strings.Builder
	writeExpr(&b, e, true)
	return b.String()
}

func writeExpr(b *strings.Builder, e Expr, top bool) {
	switch e := e.(type) {
	case *Term:
		writeTerm(b, e)
	case *Group:
		if top && !e.Negated {
			writeItems(b, e)
			return
		}
		b.WriteByte('(')
		writeItems(b, e)
		b.WriteByte(')')
		if e.Negated {
			b.WriteByte('!')
		}
	}
}

func writeItems(b *strings.Builder, g *Group) {
	sep := " " + g.Op.String() + " "
	for i, item := range g.Items {
		if i > 0 {
			b.WriteString(sep)
		}
		writeExpr(b, item, false)
	}
}

func writeTerm(b *strings.Builder, t *Term) {
	b.WriteString(t.Identifier)
	if t.Negated {
		b.WriteByte('!')
	}
	if len(t.Args) == 0 {
		return
	}
	b.WriteByte(':')
	for i, a := range t.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatValue(a))
	}
}
