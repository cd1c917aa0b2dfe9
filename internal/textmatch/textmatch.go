// Package textmatch extracts entities from post text and matches user
// supplied needles against it.
package textmatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// matchTimeout bounds a single user regex evaluation.
const matchTimeout = 100 * time.Millisecond

var (
	mentionPattern = regexp2.MustCompile(`(?<![A-Za-z0-9_@＠])[@＠]([A-Za-z0-9_]{1,20})(?![A-Za-z0-9_@])`, regexp2.None)
	hashtagPattern = regexp2.MustCompile(`(?<![\p{L}\p{N}_&])[#＃]([\p{L}\p{N}_]*\p{L}[\p{L}\p{N}_]*)`, regexp2.None)
)

func findGroups(re *regexp2.Regexp, text string) []string {
	var out []string
	m, err := re.FindStringMatch(text)
	for m != nil && err == nil {
		out = append(out, m.GroupByNumber(1).String())
		m, err = re.FindNextMatch(m)
	}
	return out
}

// Mentions returns the screen names @-mentioned in text, in order.
func Mentions(text string) []string {
	return findGroups(mentionPattern, text)
}

// Hashtags returns hashtags in text without the leading #.
func Hashtags(text string) []string {
	return findGroups(hashtagPattern, text)
}

// MentionsAny reports whether text mentions any of screenNames,
// case-insensitively.
func MentionsAny(text string, screenNames ...string) bool {
	for _, m := range Mentions(text) {
		for _, s := range screenNames {
			if s != "" && strings.EqualFold(m, s) {
				return true
			}
		}
	}
	return false
}

// Fold normalizes s to NFC and applies Unicode case folding.
func Fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// Matcher tests text against a substring or regular expression needle.
type Matcher struct {
	needle        string
	folded        string
	regex         *regexp2.Regexp
	caseSensitive bool
}

// NewMatcher compiles needle. With useRegex the needle is a .NET-flavoured
// regular expression (lookaround allowed).
func NewMatcher(needle string, useRegex, caseSensitive bool) (*Matcher, error) {
	m := &Matcher{needle: needle, caseSensitive: caseSensitive}
	if useRegex {
		opts := regexp2.None
		if !caseSensitive {
			opts |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(needle, opts)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", needle, err)
		}
		re.MatchTimeout = matchTimeout
		m.regex = re
		return m, nil
	}
	if !caseSensitive {
		m.folded = Fold(needle)
	}
	return m, nil
}

// Match reports whether text contains the needle. A regex that times out
// counts as no match.
func (m *Matcher) Match(text string) bool {
	if m.regex != nil {
		ok, err := m.regex.MatchString(text)
		return err == nil && ok
	}
	if m.caseSensitive {
		return strings.Contains(text, m.needle)
	}
	return strings.Contains(Fold(text), m.folded)
}

// IsRegex reports whether the matcher is regex based.
func (m *Matcher) IsRegex() bool { return m.regex != nil }

// Needle returns the original needle.
func (m *Matcher) Needle() string { return m.needle }
