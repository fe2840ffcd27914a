package memory

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"aibuddy/internal/models"
)

const (
	maxSummaryRunes  = 800
	growthStopRunes  = 780
	summarySeparator = "；"
)

// MergeEvent folds an incoming extraction of an event into the stored row.
// The summary only grows: known text is skipped, an extension appends just
// its novel remainder, and growth stops once the stored text is long enough.
func MergeEvent(stored, incoming models.MemoryEvent) models.MemoryEvent {
	out := stored
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.Importance > out.Importance {
		out.Importance = incoming.Importance
	}
	out.Summary = mergeSummary(stored.Summary, incoming.Summary)
	return out
}

func mergeSummary(stored, incoming string) string {
	incoming = strings.TrimSpace(incoming)
	switch {
	case incoming == "":
		return stored
	case stored == "":
		return truncateRunes(incoming, maxSummaryRunes)
	case utf8.RuneCountInString(stored) >= growthStopRunes:
		return stored
	case strings.Contains(stored, incoming):
		return stored
	}
	addition := novelRemainder(stored, incoming)
	if addition == "" || strings.Contains(stored, addition) {
		return stored
	}
	return truncateRunes(stored+summarySeparator+addition, maxSummaryRunes)
}

// novelRemainder strips known text from the front of incoming. The whole
// stored summary and each of its segments count as known, and they are
// peeled repeatedly so an extension folded in earlier is recognised again.
func novelRemainder(stored, incoming string) string {
	known := append([]string{stored}, strings.Split(stored, summarySeparator)...)
	rest := incoming
	for {
		longest := ""
		for _, cand := range known {
			cand = strings.TrimSpace(cand)
			if len(cand) > len(longest) && strings.HasPrefix(rest, cand) {
				longest = cand
			}
		}
		if longest == "" {
			return rest
		}
		rest = strings.TrimLeftFunc(rest[len(longest):], func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
	}
}
