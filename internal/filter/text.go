package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
	"github.com/roach88/skein/internal/textmatch"
)

type textField int

const (
	fieldText textField = iota
	fieldHashtag
	fieldBio
	fieldLocation
	fieldWebsite
	fieldName
)

var textFields = map[textField]struct{ ident, noun string }{
	fieldText:     {"text", "text"},
	fieldHashtag:  {"hashtag", "hashtag"},
	fieldBio:      {"bio", "author bio"},
	fieldLocation: {"loc", "author location"},
	fieldWebsite:  {"web", "author website"},
	fieldName:     {"name", "author name"},
}

// text matches a needle against post text, hashtags or author profile
// fields.
type text struct {
	env           *Env
	field         textField
	m             *textmatch.Matcher
	caseSensitive bool
}

func (t *text) test(ctx context.Context, p model.Post) bool {
	switch t.field {
	case fieldText:
		return t.m.Match(p.Text)
	case fieldHashtag:
		for _, tag := range textmatch.Hashtags(p.Text) {
			if t.m.Match(tag) {
				return true
			}
		}
		return false
	}

	u, ok := t.env.user(ctx, p.AuthorID)
	if !ok {
		return false
	}
	switch t.field {
	case fieldBio:
		return t.m.Match(u.Bio)
	case fieldLocation:
		return t.m.Match(u.Location)
	case fieldWebsite:
		return t.m.Match(u.Website)
	default:
		return t.m.Match(u.DisplayName)
	}
}

func (t *text) args() []query.Value {
	args := []query.Value{query.String(t.m.Needle())}
	switch {
	case t.m.IsRegex():
		args = append(args, query.Bool(t.caseSensitive), query.Bool(true))
	case t.caseSensitive:
		args = append(args, query.Bool(true))
	}
	return args
}

func (t *text) describe() string {
	verb := "contains"
	if t.m.IsRegex() {
		verb = "matches"
	}
	d := fmt.Sprintf("%s %s %s", textFields[t.field].noun, verb, query.Quote(t.m.Needle()))
	if t.caseSensitive {
		d += " (case sensitive)"
	}
	return d
}

func newText(env *Env, field textField, negated bool, needle string, caseSensitive, regex bool) (*Base, error) {
	m, err := textmatch.NewMatcher(needle, regex, caseSensitive)
	if err != nil {
		return nil, model.NewInvalidQueryError(textFields[field].ident+": bad pattern", err)
	}
	return newBase(textFields[field].ident, negated, &text{env: env, field: field, m: m, caseSensitive: caseSensitive}), nil
}

// NewText matches post text.
func NewText(needle string, negated, caseSensitive, regex bool) (*Base, error) {
	return newText(&Env{}, fieldText, negated, needle, caseSensitive, regex)
}

// NewHashtag matches any hashtag of the post. A leading '#' on a plain
// needle is ignored.
func NewHashtag(needle string, negated, caseSensitive, regex bool) (*Base, error) {
	if !regex {
		needle = strings.TrimPrefix(needle, "#")
	}
	return newText(&Env{}, fieldHashtag, negated, needle, caseSensitive, regex)
}

// NewBio matches the author's bio.
func NewBio(env *Env, needle string, negated, caseSensitive, regex bool) (*Base, error) {
	return newText(env, fieldBio, negated, needle, caseSensitive, regex)
}

// NewLocation matches the author's location.
func NewLocation(env *Env, needle string, negated, caseSensitive, regex bool) (*Base, error) {
	return newText(env, fieldLocation, negated, needle, caseSensitive, regex)
}

// NewWebsite matches the author's website.
func NewWebsite(env *Env, needle string, negated, caseSensitive, regex bool) (*Base, error) {
	return newText(env, fieldWebsite, negated, needle, caseSensitive, regex)
}

// NewName matches the author's display name.
func NewName(env *Env, needle string, negated, caseSensitive, regex bool) (*Base, error) {
	return newText(env, fieldName, negated, needle, caseSensitive, regex)
}
