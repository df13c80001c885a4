package breach

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single pattern evaluation.
const DefaultRegexTimeout = 100 * time.Millisecond

// PatternKind distinguishes how a rule pattern is evaluated.
type PatternKind int

const (
	// PatternLiteral matches by equality, then by substring search.
	PatternLiteral PatternKind = iota
	// PatternRegex matches by equality, then by regex search.
	PatternRegex
	// PatternInvalid never matches.
	PatternInvalid
)

func (k PatternKind) String() string {
	switch k {
	case PatternLiteral:
		return "literal"
	case PatternRegex:
		return "regex"
	default:
		return "invalid"
	}
}

// Pattern is an event pattern compiled once when its rule is loaded.
type Pattern struct {
	kind    PatternKind
	literal string
	re      *regexp2.Regexp
	err     error
}

const regexMeta = `\.+*?()|[]{}^$`

// CompilePattern classifies and compiles source. Patterns without regex
// metacharacters are literals; their unanchored regex search is a substring
// search, so they skip the regex engine. A pattern that fails to compile is
// kept as PatternInvalid.
func CompilePattern(source string, timeout time.Duration) Pattern {
	if !strings.ContainsAny(source, regexMeta) {
		return Pattern{kind: PatternLiteral, literal: source}
	}
	re, err := regexp2.Compile(source, regexp2.None)
	if err != nil {
		return Pattern{kind: PatternInvalid, literal: source, err: err}
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re.MatchTimeout = timeout
	return Pattern{kind: PatternRegex, literal: source, re: re}
}

// Kind returns the pattern kind.
func (p Pattern) Kind() PatternKind { return p.kind }

// Err returns the compile error of an invalid pattern.
func (p Pattern) Err() error { return p.err }

// Match reports whether value matches: exact equality first, then an
// unanchored regex search. Match timeouts count as no match.
func (p Pattern) Match(value string) bool {
	switch p.kind {
	case PatternLiteral:
		return strings.Contains(value, p.literal)
	case PatternRegex:
		if value == p.literal {
			return true
		}
		ok, err := p.re.MatchString(value)
		return err == nil && ok
	default:
		return false
	}
}
