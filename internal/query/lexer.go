package query

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokInt
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDotDot
	tokComma
	tokColon
	tokBang
	tokAnd
	tokOr
)

var tokenNames = map[tokenKind]string{
	tokEOF:      "end of query",
	tokWord:     "word",
	tokString:   "string",
	tokInt:      "number",
	tokLParen:   "'('",
	tokRParen:   "')'",
	tokLBracket: "'['",
	tokRBracket: "']'",
	tokDotDot:   "'..'",
	tokComma:    "','",
	tokColon:    "':'",
	tokBang:     "'!'",
	tokAnd:      "'&'",
	tokOr:       "'|'",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind tokenKind
	text string // unescaped for strings
	pos  int    // byte offset
}

// SyntaxError reports where a query failed to parse.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("at offset %d: %s", e.Pos, e.Msg)
}

var punct = map[rune]tokenKind{
	'(': tokLParen,
	')': tokRParen,
	'[': tokLBracket,
	']': tokRBracket,
	',': tokComma,
	':': tokColon,
	'!': tokBang,
	'&': tokAnd,
	'|': tokOr,
}

func isWordRune(r rune) bool {
	switch r {
	case '_', '@', '*', '-', '#', '?':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// lex splits src into tokens. The final token is always tokEOF.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, w := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += w

		case r == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n

		case r == '.':
			if !strings.HasPrefix(src[i:], "..") {
				return nil, &SyntaxError{Pos: i, Msg: "unexpected '.'"}
			}
			toks = append(toks, token{kind: tokDotDot, text: "..", pos: i})
			i += 2

		case punct[r] != tokEOF:
			toks = append(toks, token{kind: punct[r], text: string(r), pos: i})
			i += w

		case isWordRune(r):
			start := i
			for i < len(src) {
				r, w := utf8.DecodeRuneInString(src[i:])
				if !isWordRune(r) {
					break
				}
				i += w
			}
			text := src[start:i]
			kind := tokWord
			if isInt(text) {
				kind = tokInt
			}
			toks = append(toks, token{kind: kind, text: text, pos: start})

		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// lexString reads a double-quoted literal starting at src[start] and
// returns its unescaped text and byte length.
func lexString(src string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch c {
		case '"':
			return b.String(), i + 1 - start, nil
		case '\\':
			if i+1 >= len(src) {
				return "", 0, &SyntaxError{Pos: i, Msg: "unterminated escape"}
			}
			next := src[i+1]
			if next != '"' && next != '\\' {
				return "", 0, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unknown escape \\%c", next)}
			}
			b.WriteByte(next)
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

func isInt(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
