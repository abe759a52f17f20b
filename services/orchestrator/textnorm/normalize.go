// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package textnorm normalizes user questions before they are matched.
//
// Every matcher in the pipeline (intent rules, query shape extraction, exact
// cache matching) compares text in the same normalized form: lower-cased,
// trimmed, whitespace collapsed and, for pattern matching, with diacritics
// removed so "mês" and "mes" are treated alike.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lower-cases s, trims it and collapses internal whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fold normalizes s and strips diacritics.
func Fold(s string) string {
	n := Normalize(s)
	// Transformers carry state, so each call builds its own chain.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, n)
	if err != nil {
		return n
	}
	return out
}

// Canonical is the form used for exact-question comparison: folded, with
// trailing punctuation removed.
func Canonical(s string) string {
	return strings.TrimRight(Fold(s), " ?!.;:")
}

// Tokens splits folded text into word tokens, dropping punctuation.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
