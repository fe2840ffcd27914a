package companion

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"aibuddy/internal/config"
)

var ellipsisRun = regexp.MustCompile(`\.{3,}|。{2,}|…{2,}`)

// GibberishPolicy decides whether a stored assistant reply is too malformed
// to be fed back as conversation history. Lengths count runes.
type GibberishPolicy struct {
	// replies shorter than this are always dropped
	FloorLength int
	// replies shorter than this are dropped unless they contain Punctuation
	MinLength   int
	Punctuation string
	// this many ellipsis runs or more marks a reply as run-on
	MaxEllipsisRuns int
}

var DefaultGibberishPolicy = GibberishPolicy{
	FloorLength:     2,
	MinLength:       12,
	Punctuation:     "，。？！、",
	MaxEllipsisRuns: 2,
}

// PolicyFromConfig fills unset fields from DefaultGibberishPolicy.
func PolicyFromConfig(cfg config.GibberishConfig) GibberishPolicy {
	p := DefaultGibberishPolicy
	if cfg.FloorLength > 0 {
		p.FloorLength = cfg.FloorLength
	}
	if cfg.MinLength > 0 {
		p.MinLength = cfg.MinLength
	}
	if cfg.Punctuation != "" {
		p.Punctuation = cfg.Punctuation
	}
	if cfg.MaxEllipsisRuns > 0 {
		p.MaxEllipsisRuns = cfg.MaxEllipsisRuns
	}
	return p
}

// IsLikelyGibberish reports whether s looks like a fragmentary or run-on reply.
func (p GibberishPolicy) IsLikelyGibberish(s string) bool {
	t := strings.TrimSpace(s)
	n := utf8.RuneCountInString(t)
	if n < p.FloorLength {
		return true
	}
	if n < p.MinLength && !strings.ContainsAny(t, p.Punctuation) {
		return true
	}
	if p.MaxEllipsisRuns > 0 && len(ellipsisRun.FindAllStringIndex(t, -1)) >= p.MaxEllipsisRuns {
		return true
	}
	return false
}
