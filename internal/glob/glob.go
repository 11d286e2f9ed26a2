// Package glob compiles the shell-style topic patterns subscribers use for
// SUBSCRIBE_GLOB/UNSUBSCRIBE_GLOB (§4.3) into anchored regular expressions.
//
// Supported syntax: `*` matches any run of characters except `/`, `?`
// matches exactly one character except `/`, and `**` matches any sequence
// including `/` (so it can cross path-like separators). Hidden-file
// matching is enabled: a leading `.` in a topic segment is matched by `*`
// or `**` like any other character (there is no special dotfile exclusion,
// unlike POSIX shell globbing proper).
package glob

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Pattern is a compiled glob: the original source string plus its anchored
// matcher. Two patterns with the same string compile to equal Patterns,
// which lets the session compare subscriptions by original string (§3:
// glob_subscriptions stores "(compiled_pattern, original_string)").
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// String returns the original pattern text, for logging and for comparing
// subscription identity.
func (p *Pattern) String() string { return p.Source }

// Compile turns a glob pattern into an anchored regular expression.
func Compile(pattern string) (*Pattern, error) {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString("(?:.*)")
				i++
			} else {
				b.WriteString("(?:[^/]*)")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("glob: invalid pattern %q: %w", pattern, err)
	}
	return &Pattern{Source: pattern, re: re}, nil
}

// Match reports whether topic (an opaque byte string, per §3's "Topic")
// matches the pattern. Per §4.3, matching is attempted against the UTF-8
// decoding of topic; if topic is not valid UTF-8, the glob never matches.
func (p *Pattern) Match(topic []byte) bool {
	if !utf8.Valid(topic) {
		return false
	}
	return p.re.MatchString(string(topic))
}
