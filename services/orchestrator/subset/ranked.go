// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subset

import (
	"regexp"
	"strings"
)

// RankedItem is one line of a ranked answer.
type RankedItem struct {
	// Rank is the 1-based order in which the line appeared.
	Rank int
	Name string
	// Value is the count as written, including thousands separators.
	Value string
	// Currency is a prefix such as "R$" when the value is monetary.
	Currency string
	Unit     string
	Line     string
}

// Quantity renders the value with its currency and unit.
func (r RankedItem) Quantity() string {
	var parts []string
	if r.Currency != "" {
		parts = append(parts, r.Currency)
	}
	if r.Value != "" {
		parts = append(parts, r.Value)
	}
	if r.Unit != "" {
		parts = append(parts, r.Unit)
	}
	return strings.Join(parts, " ")
}

const (
	rankMarker = `(?:🥇|🥈|🥉|🏅|🔟|\d\x{FE0F}?\x{20E3}|#\s?\d{1,2}\.?|\d{1,2}\s?[.)ºª°:-])`
	separator  = `(?:\s*[-–—:|]\s*|\s*\(\s*|\s+)`
	valueGroup = `((?:R\$|US\$|\$|€)\s?)?(\d[\d.,]*)\s*([\p{L}%]+)?`
)

// rankedLinePatterns are tried in order on each line; the first that matches
// wins. Every pattern requires a rank marker.
var rankedLinePatterns = []*regexp.Regexp{
	// 🥇 **Produto A** - 150 unidades / 1. **Produto A**: 150 unidades
	regexp.MustCompile(`^\s*(?:[-*•]\s*)?` + rankMarker + `\s*\*\*([^*]+?)\*\*` + separator + valueGroup),
	// **1. Produto A** - 150 unidades
	regexp.MustCompile(`^\s*(?:[-*•]\s*)?\*\*\s*` + rankMarker + `\s*([^*]+?)\*\*` + separator + valueGroup),
	// 1. Produto A - 150 unidades (unit required, the name has no markup)
	regexp.MustCompile(`^\s*` + rankMarker + `\s*([^:|()–—]+?)\s*(?:[-–—:|]|\()\s*((?:R\$|US\$|\$|€)\s?)?(\d[\d.,]*)\s*([\p{L}%]+)`),
}

// bulletLinePattern matches an unmarked entry such as "- **Produto A** - 150
// unidades". Bulleted lines only count when no line in the text carries a
// rank marker.
var bulletLinePattern = regexp.MustCompile(`^\s*[-*•]\s+\*\*([^*]+?)\*\*` + separator + valueGroup)

// ParseRankedList extracts ranked lines from an answer text.
//
// # Description
//
// Scans the text line by line and keeps every line that looks like a ranked
// entry: a medal, keycap or number marker followed by an item name, usually
// in bold, and a count with an optional unit. Lines that do not match are
// skipped, so headers and closing remarks around the list are ignored. A
// bulleted bold name with a count counts as an entry only when the text has
// no marked entries at all, so a summary bullet above a numbered list never
// shifts the positions. Items are returned in the order they appear and are
// renumbered from 1.
//
// # Inputs
//
//   - text: A previously produced assistant answer.
//
// # Outputs
//
//   - []RankedItem: The ranked entries, possibly empty.
func ParseRankedList(text string) []RankedItem {
	lines := strings.Split(text, "\n")
	items := collectRanked(lines, rankedLinePatterns)
	if len(items) == 0 {
		items = collectRanked(lines, []*regexp.Regexp{bulletLinePattern})
	}
	return items
}

func collectRanked(lines []string, patterns []*regexp.Regexp) []RankedItem {
	var items []RankedItem
	for _, line := range lines {
		item, ok := parseRankedLine(line, patterns)
		if !ok {
			continue
		}
		item.Rank = len(items) + 1
		items = append(items, item)
	}
	return items
}

func parseRankedLine(line string, patterns []*regexp.Regexp) (RankedItem, bool) {
	if strings.TrimSpace(line) == "" {
		return RankedItem{}, false
	}
	for _, re := range patterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(strings.Trim(m[1], " *_"))
		if name == "" {
			continue
		}
		return RankedItem{
			Name:     name,
			Currency: strings.TrimSpace(m[2]),
			Value:    strings.TrimRight(m[3], ".,"),
			Unit:     m[4],
			Line:     strings.TrimSpace(line),
		}, true
	}
	return RankedItem{}, false
}
