package memory

import (
	"strings"
	"unicode"

	"aibuddy/internal/security"
)

const (
	clauseRunes = 32
	clauseBreak = ",，.。!！?？;；:：、…\n"
)

// leadingTimeWords are dropped from the front of a summary before the first
// clause is taken, since "今天，…" says nothing about which event it is.
var leadingTimeWords = []string{
	"今天", "昨天", "前天", "明天", "后天",
	"今晚", "昨晚", "明晚", "今早", "刚才", "刚刚", "最近", "现在",
	"早上", "上午", "中午", "下午", "晚上",
	"today", "yesterday", "tomorrow", "tonight", "recently",
}

// Fingerprint identifies an event by its title and the first clause of its
// summary, so a summary that later grows keeps the same fingerprint.
func Fingerprint(title, summary string) string {
	return security.SHA256Hex("event|" + normalize(title) + "|" + firstClause(summary))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func firstClause(summary string) string {
	s := trimBreaks(normalize(summary))
	if rest := trimBreaks(stripTimeWords(s)); rest != "" {
		s = rest
	}
	if i := strings.IndexAny(s, clauseBreak); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	return truncateRunes(s, clauseRunes)
}

func trimBreaks(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(clauseBreak, r)
	})
}

func stripTimeWords(s string) string {
	for {
		stripped := false
		for _, w := range leadingTimeWords {
			if rest, ok := strings.CutPrefix(s, w); ok {
				s = trimBreaks(rest)
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
