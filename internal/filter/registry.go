package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

type constructor func(env *Env, t *query.Term, r *argReader) (Filter, error)

type registration struct {
	build   constructor
	maxArgs int
	usage   string
}

func textCtor(field textField) constructor {
	return func(env *Env, t *query.Term, r *argReader) (Filter, error) {
		needle := r.string(0, "needle")
		caseSensitive := r.optBool(1, "case_sensitive")
		regex := r.optBool(2, "regex")
		if r.err != nil {
			return nil, r.err
		}
		var (
			b   *Base
			err error
		)
		if field == fieldHashtag {
			b, err = NewHashtag(needle, t.Negated, caseSensitive, regex)
		} else {
			b, err = newText(env, field, t.Negated, needle, caseSensitive, regex)
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func nameCtor(kind nameKind) constructor {
	return func(env *Env, t *query.Term, r *argReader) (Filter, error) {
		needle := r.string(0, "screen name")
		acceptBlocking := kind == nameFollowedBy && r.optBool(1, "accept_blocking")
		if r.err != nil {
			return nil, r.err
		}
		return newScreenName(env, kind, t.Negated, needle, acceptBlocking), nil
	}
}

func countCtor(kind countKind) constructor {
	return func(env *Env, t *query.Term, r *argReader) (Filter, error) {
		rng := r.rangeArg(0)
		if r.err != nil {
			return nil, r.err
		}
		return newCount(env, kind, t.Negated, rng), nil
	}
}

func attrCtor(kind attributeKind) constructor {
	return func(env *Env, t *query.Term, _ *argReader) (Filter, error) {
		return newBase(t.Identifier, t.Negated, attribute{env: env, kind: kind}), nil
	}
}

var registry = map[string]registration{
	"dmsg":        {attrCtor(attrDirectMessage), 0, "dmsg"},
	"protected":   {attrCtor(attrProtected), 0, "protected"},
	"verified":    {attrCtor(attrVerified), 0, "verified"},
	"retweeted":   {attrCtor(attrRepost), 0, "retweeted"},
	"rt_count":    {countCtor(countReposts), 1, "rt_count:<range>"},
	"fav_count":   {countCtor(countFavorites), 1, "fav_count:<range>"},
	"reply_count": {countCtor(countReplies), 1, "reply_count:<range>"},
	"text":        {textCtor(fieldText), 3, `text:"needle"[, case_sensitive[, regex]]`},
	"hashtag":     {textCtor(fieldHashtag), 3, `hashtag:"needle"[, case_sensitive[, regex]]`},
	"bio":         {textCtor(fieldBio), 3, `bio:"needle"[, case_sensitive[, regex]]`},
	"loc":         {textCtor(fieldLocation), 3, `loc:"needle"[, case_sensitive[, regex]]`},
	"web":         {textCtor(fieldWebsite), 3, `web:"needle"[, case_sensitive[, regex]]`},
	"name":        {textCtor(fieldName), 3, `name:"needle"[, case_sensitive[, regex]]`},
	"user":        {nameCtor(nameAuthor), 1, `user:"screen_name"`},
	"rt_from":     {nameCtor(nameReposter), 1, `rt_from:"screen_name"`},
	"fav_from":    {nameCtor(nameFavoriter), 1, `fav_from:"screen_name"`},
	"follow_from": {nameCtor(nameFollowedBy), 2, `follow_from:"account"[, accept_blocking]`},
	"follow_to":   {nameCtor(nameFollowerOf), 1, `follow_to:"account"`},
	"block_from":  {nameCtor(nameBlockedBy), 1, `block_from:"account"`},
	"conv": {func(env *Env, t *query.Term, r *argReader) (Filter, error) {
		u1, u2 := r.string(0, "first user"), r.string(1, "second user")
		if r.err != nil {
			return nil, r.err
		}
		return NewConversation(env, u1, u2, t.Negated), nil
	}, 2, `conv:"user1", "user2"`},
	"list": {func(env *Env, t *query.Term, r *argReader) (Filter, error) {
		owner, slug := r.string(0, "owner"), r.string(1, "slug")
		if r.err != nil {
			return nil, r.err
		}
		return NewList(env, owner, slug, t.Negated), nil
	}, 2, `list:"owner", "slug"`},
	"mtree": {func(env *Env, t *query.Term, r *argReader) (Filter, error) {
		id := r.int(0, "post id")
		if r.err != nil {
			return nil, r.err
		}
		if id <= 0 {
			return nil, model.NewInvalidQueryError(fmt.Sprintf("mtree: invalid post id %d", id), nil)
		}
		m, err := NewMentionTree(env, uint64(id), t.Negated)
		if err != nil {
			return nil, err
		}
		return m, nil
	}, 1, "mtree:<post id>"},
}

// Identifiers returns the known filter identifiers, sorted.
func Identifiers() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Usage returns the argument synopsis of identifier.
func Usage(identifier string) (string, bool) {
	reg, ok := registry[identifier]
	return reg.usage, ok
}

// Build instantiates the filters of e against env. A bare term builds the
// term's filter; a group builds a Cluster.
func Build(env *Env, e query.Expr) (Filter, error) {
	if env == nil {
		env = &Env{}
	}
	switch e := e.(type) {
	case *query.Term:
		return buildTerm(env, e)
	case *query.Group:
		items := make([]Filter, 0, len(e.Items))
		for _, item := range e.Items {
			f, err := Build(env, item)
			if err != nil {
				for _, built := range items {
					built.Dispose()
				}
				return nil, err
			}
			items = append(items, f)
		}
		return NewCluster(e.Op, e.Negated, items...), nil
	default:
		return nil, model.NewInvalidQueryError(fmt.Sprintf("unknown expression %T", e), nil)
	}
}

func buildTerm(env *Env, t *query.Term) (Filter, error) {
	reg, ok := registry[t.Identifier]
	if !ok {
		return nil, model.NewInvalidQueryError(fmt.Sprintf("unknown filter %q (known: %s)", t.Identifier, strings.Join(Identifiers(), ", ")), nil)
	}
	r := &argReader{term: t}
	r.atMost(reg.maxArgs)
	if r.err != nil {
		return nil, r.err
	}
	return reg.build(env, t, r)
}

// Parse parses src and builds it as a cluster. A single filter becomes a
// one-item AND cluster so callers always hold a *Cluster.
func Parse(env *Env, src string) (*Cluster, error) {
	e, err := query.Parse(src)
	if err != nil {
		return nil, err
	}
	f, err := Build(env, e)
	if err != nil {
		return nil, err
	}
	if c, ok := f.(*Cluster); ok {
		return c, nil
	}
	return NewCluster(query.OpAnd, false, f), nil
}

// Format renders f in canonical query form.
func Format(f Filter) string {
	return query.Format(f.Expr())
}
