package ranking

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const rankingMarker = "FINAL RANKING:"

var (
	labelPattern    = regexp.MustCompile(`Response [A-Z]`)
	numberedPattern = regexp.MustCompile(`(\d+)\.\s*(Response [A-Z])`)
)

// ParseRankingFromText extracts an ordered list of anonymized labels from
// a reviewer's free text.
//
// Preference order:
//  1. a numbered list ("1. Response B") inside a literal "FINAL RANKING:"
//     section, in numeric order;
//  2. bare label tokens inside that section, in textual order;
//  3. no marker at all: bare label tokens anywhere, in textual order.
//
// Duplicates are preserved; aggregation tolerates a model being mentioned
// more than once by using each occurrence's position.
func ParseRankingFromText(raw string) []string {
	section := raw
	if idx := strings.Index(raw, rankingMarker); idx >= 0 {
		section = raw[idx+len(rankingMarker):]

		if numbered := parseNumbered(section); len(numbered) > 0 {
			return numbered
		}
	}

	return labelPattern.FindAllString(section, -1)
}

func parseNumbered(section string) []string {
	matches := numberedPattern.FindAllStringSubmatch(section, -1)
	if len(matches) == 0 {
		return nil
	}

	type entry struct {
		n     int
		pos   int
		label string
	}
	entries := make([]entry, 0, len(matches))
	for pos, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		entries = append(entries, entry{n: n, pos: pos, label: m[2]})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].n < entries[j].n })

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.label)
	}
	return out
}
