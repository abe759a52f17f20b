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
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/textnorm"
)

// =============================================================================
// Query Shape
// =============================================================================

// ShapeKind tells whether a question asks for a ranked list, one rank, or
// neither.
type ShapeKind string

const (
	ShapeTopN     ShapeKind = "topN"
	ShapePosition ShapeKind = "position"
	ShapeUnknown  ShapeKind = "unknown"
)

// Lang is the language a question was written in.
type Lang string

const (
	LangPT Lang = "pt"
	LangEN Lang = "en"
)

// QueryInfo is everything the adapter derives from a question's text.
//
// # Description
//
// N is the requested count for ShapeTopN and the 1-based position for
// ShapePosition; it is 0 for ShapeUnknown. Month is "01".."12" and Year is a
// four-digit string; either is empty when the question does not name it.
// Entity and Metric are coarse canonical tags ("product", "quantity") used to
// avoid narrowing a product ranking into a customer question.
type QueryInfo struct {
	Shape  ShapeKind
	N      int
	Month  string
	Year   string
	Entity string
	Metric string
	Lang   Lang
}

// Requested reports whether a top-N or positional pattern was detected.
func (q QueryInfo) Requested() bool {
	return q.Shape != ShapeUnknown && q.N > 0
}

var numberWords = map[string]int{
	"um": 1, "uma": 1, "dois": 2, "duas": 2, "tres": 3, "quatro": 4, "cinco": 5,
	"seis": 6, "sete": 7, "oito": 8, "nove": 9, "dez": 10, "quinze": 15, "vinte": 20,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "fifteen": 15, "twenty": 20,
}

var ordinalStems = map[string]int{
	"primeir": 1, "segund": 2, "terceir": 3, "quart": 4, "quint": 5,
	"sext": 6, "setim": 7, "oitav": 8, "non": 9, "decim": 10,
}

var englishOrdinals = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var monthNumbers = map[string]string{
	"janeiro": "01", "fevereiro": "02", "marco": "03", "abril": "04",
	"maio": "05", "junho": "06", "julho": "07", "agosto": "08",
	"setembro": "09", "outubro": "10", "novembro": "11", "dezembro": "12",
	"january": "01", "february": "02", "march": "03", "april": "04",
	"may": "05", "june": "06", "july": "07", "august": "08",
	"september": "09", "october": "10", "november": "11", "december": "12",
}

const (
	rankedNouns = `produtos|itens|clientes|categorias|vendedores|marcas|estados|cidades|` +
		`products|items|customers|categories|sellers|brands|states|cities`
	rankedAdjectives = `mais|maiores|melhores|principais|most|best|top|largest|biggest|highest`
	numberWordAlt    = `um|uma|dois|duas|tres|quatro|cinco|seis|sete|oito|nove|dez|quinze|vinte|` +
		`one|two|three|four|five|six|seven|eight|nine|ten|fifteen|twenty`
)

var (
	topNPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\btop\s*(\d{1,3})\b`),
		regexp.MustCompile(`\btop\s+(` + numberWordAlt + `)\b`),
		regexp.MustCompile(`\b(?:os|as|the)\s+(\d{1,3}|` + numberWordAlt + `)\s+(?:` + rankedAdjectives + `|` + rankedNouns + `)\b`),
		regexp.MustCompile(`\b(\d{1,3})\s+(?:` + rankedNouns + `)\b`),
		regexp.MustCompile(`\b(\d{1,3})\s+(?:` + rankedAdjectives + `)\b`),
		regexp.MustCompile(`\branking\s+(?:dos|das|of\s+the)?\s*(\d{1,3})\b`),
	}

	ordinalWordPattern    = regexp.MustCompile(`\b(primeir|segund|terceir|quart|quint|sext|setim|oitav|non|decim)[oa]s?\b`)
	englishOrdinalPattern = regexp.MustCompile(`\b(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth)\b`)
	numericOrdinalPattern = regexp.MustCompile(`\b(\d{1,2})(?:º|ª|°|o|a|st|nd|rd|th)(?:[\s,.;:?!]|$)`)
	explicitRankPattern   = regexp.MustCompile(`\b(?:posicao|position|lugar|place|rank)\s*(?:n(?:umero|o|º)?\.?\s*)?#?\s*(\d{1,2})\b|#(\d{1,2})\b`)

	bareBestPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bmais vendid[oa]\b`),
		regexp.MustCompile(`\bcampea?o? de vendas\b`),
		regexp.MustCompile(`\b(?:o|a) (?:melhor|maior) (?:produto|item|cliente|categoria|vendedor|marca)\b`),
		regexp.MustCompile(`\b(?:best|top)[- ]?sell(?:ing|er)\s+(?:product|item|category|brand|customer|seller)\b`),
		regexp.MustCompile(`\b(?:best|top)[- ]seller\b`),
		regexp.MustCompile(`\bmost sold (?:product|item)\b`),
	}

	rankingCuePattern = regexp.MustCompile(`\b(mais vendid|melhor|maior|top|ranking|lugar|colocad|posicao|` +
		`best|most|highest|largest|place|rank|position)`)

	timeUnitPattern = regexp.MustCompile(`^\s*(trimestre|semestre|semana|quinzena|dia|mes|bimestre|quarter|week|half|day|month)`)

	monthPattern   = regexp.MustCompile(`\b(janeiro|fevereiro|marco|abril|maio|junho|julho|agosto|setembro|outubro|novembro|dezembro|january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	numericMonthYr = regexp.MustCompile(`\b(0?[1-9]|1[0-2])[/-]((?:19|20)\d{2})\b`)
	yearPattern    = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)

	entityPatterns = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"product", regexp.MustCompile(`\b(produtos?|itens|item|products?|items?|sku)\b`)},
		{"customer", regexp.MustCompile(`\b(clientes?|compradores?|customers?|buyers?)\b`)},
		{"category", regexp.MustCompile(`\b(categorias?|categor(y|ies))\b`)},
		{"seller", regexp.MustCompile(`\b(vendedor(es)?|lojistas?|sellers?|vendors?)\b`)},
		{"brand", regexp.MustCompile(`\b(marcas?|brands?)\b`)},
		{"state", regexp.MustCompile(`\b(estados?|ufs?|states?)\b`)},
		{"city", regexp.MustCompile(`\b(cidades?|city|cities)\b`)},
	}

	metricPatterns = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"revenue", regexp.MustCompile(`\b(receita|faturamento|faturou|revenue|valor|gmv)\b`)},
		{"orders", regexp.MustCompile(`\b(pedidos|orders)\b`)},
		{"rating", regexp.MustCompile(`\b(avaliac\w*|notas?|ratings?|reviews?)\b`)},
		{"quantity", regexp.MustCompile(`\b(vendid\w*|vendas|vendeu|sold|selling|seller|quantidade|unidades|units)\b`)},
	}

	englishPattern = regexp.MustCompile(`\b(the|what|which|who|best|most|top selling|sold|in|of)\b`)
	portugueseCue  = regexp.MustCompile(`\b(qual|quais|o|a|os|as|mais|de|em|do|da)\b`)
)

// Extract derives QueryInfo from a question.
//
// # Description
//
// Detection order, first hit wins:
//  1. Top-N: an explicit count of ranked items ("top 5", "os 3 mais vendidos").
//  2. Position: an ordinal ("segundo", "3rd", "posição 4") in a question that
//     also carries a ranking cue. Ordinals that qualify a time unit, as in
//     "primeiro trimestre", are ignored.
//  3. Bare best: "mais vendido", "best seller" and similar, as position 1.
//
// Month and year are taken from anywhere in the question. When absent they
// stay empty.
//
// # Examples
//
//	Extract("top 5 produtos mais vendidos em janeiro de 2025")
//	// {Shape: topN, N: 5, Month: "01", Year: "2025", Entity: "product", Metric: "quantity"}
//	Extract("qual o segundo produto mais vendido em janeiro de 2025")
//	// {Shape: position, N: 2, Month: "01", Year: "2025", ...}
func Extract(question string) QueryInfo {
	text := textnorm.Canonical(question)
	info := QueryInfo{Shape: ShapeUnknown, Lang: detectLang(text)}
	info.Month, info.Year = extractPeriod(text)
	info.Entity = firstTag(text, entityPatterns)
	info.Metric = firstTag(text, metricPatterns)

	if n := extractTopN(text); n > 0 {
		info.Shape, info.N = ShapeTopN, n
		return info
	}
	if rankingCuePattern.MatchString(text) {
		if p := extractPosition(text); p > 0 {
			info.Shape, info.N = ShapePosition, p
			return info
		}
	}
	for _, re := range bareBestPatterns {
		if re.MatchString(text) {
			info.Shape, info.N = ShapePosition, 1
			return info
		}
	}
	return info
}

func extractTopN(text string) int {
	for _, re := range topNPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if n := parseCount(m[1]); n > 0 {
			return n
		}
	}
	return 0
}

func parseCount(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return numberWords[s]
}

func extractPosition(text string) int {
	for _, loc := range ordinalWordPattern.FindAllStringSubmatchIndex(text, -1) {
		if followedByTimeUnit(text, loc[1]) {
			continue
		}
		return ordinalStems[text[loc[2]:loc[3]]]
	}
	for _, loc := range englishOrdinalPattern.FindAllStringSubmatchIndex(text, -1) {
		if followedByTimeUnit(text, loc[1]) {
			continue
		}
		return englishOrdinals[text[loc[2]:loc[3]]]
	}
	if m := explicitRankPattern.FindStringSubmatch(text); m != nil {
		for _, g := range m[1:] {
			if n, err := strconv.Atoi(g); err == nil && n > 0 {
				return n
			}
		}
	}
	for _, loc := range numericOrdinalPattern.FindAllStringSubmatchIndex(text, -1) {
		if followedByTimeUnit(text, loc[1]) {
			continue
		}
		if n, err := strconv.Atoi(text[loc[2]:loc[3]]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func followedByTimeUnit(text string, end int) bool {
	return timeUnitPattern.MatchString(text[end:])
}

func extractPeriod(text string) (month, year string) {
	if m := numericMonthYr.FindStringSubmatch(text); m != nil {
		mm := m[1]
		if len(mm) == 1 {
			mm = "0" + mm
		}
		return mm, m[2]
	}
	if m := yearPattern.FindStringSubmatch(text); m != nil {
		year = m[1]
	}
	for _, m := range monthPattern.FindAllStringSubmatch(text, -1) {
		// "may" is also a modal verb; only trust it next to a year.
		if m[1] == "may" && year == "" {
			continue
		}
		month = monthNumbers[m[1]]
		break
	}
	return month, year
}

func firstTag(text string, patterns []struct {
	tag string
	re  *regexp.Regexp
}) string {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.tag
		}
	}
	return ""
}

func detectLang(text string) Lang {
	en := len(englishPattern.FindAllString(text, -1))
	pt := len(portugueseCue.FindAllString(text, -1))
	if en > pt {
		return LangEN
	}
	return LangPT
}

// =============================================================================
// Compatibility
// =============================================================================

// SamePeriod reports whether two questions refer to the same month and year.
func SamePeriod(a, b QueryInfo) bool {
	return strings.EqualFold(a.Month, b.Month) && strings.EqualFold(a.Year, b.Year)
}

func compatibleTag(a, b string) bool {
	return a == "" || b == "" || a == b
}

// Compatible reports whether a cached answer to prior can be reworded to
// answer current without recomputation.
//
// # Description
//
// Used by the semantic cache for near matches. Both questions must name the
// same period, must not name different entities or metrics, and must request
// the same shape with the same bound: the same top-N count, the same
// position, or neither. Narrowing across questions is left to the
// conversation-scoped Adapter.
func Compatible(prior, current QueryInfo) bool {
	if !SamePeriod(prior, current) {
		return false
	}
	if !compatibleTag(prior.Entity, current.Entity) || !compatibleTag(prior.Metric, current.Metric) {
		return false
	}
	return prior.Shape == current.Shape && prior.N == current.N
}
