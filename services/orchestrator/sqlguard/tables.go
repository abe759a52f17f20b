// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlguard

import (
	"strings"
)

// tableRef is a name found in a FROM or JOIN position. call is set when the
// name is followed by an argument list. alias is empty when none was given.
type tableRef struct {
	name  string
	alias string
	pos   int
	call  bool
}

// fromInsideFunctions are functions whose argument syntax uses FROM.
var fromInsideFunctions = map[string]bool{
	"EXTRACT": true, "TRIM": true, "SUBSTRING": true, "SUBSTR": true,
	"OVERLAY": true, "POSITION": true,
}

// clauseKeywords end a FROM item list and cannot be aliases.
var clauseKeywords = map[string]bool{
	"WHERE": true, "JOIN": true, "ON": true, "USING": true, "LEFT": true, "RIGHT": true,
	"INNER": true, "OUTER": true, "FULL": true, "CROSS": true, "NATURAL": true,
	"GROUP": true, "ORDER": true, "LIMIT": true, "OFFSET": true, "HAVING": true,
	"WINDOW": true, "QUALIFY": true, "UNION": true, "INTERSECT": true, "EXCEPT": true,
	"TABLESAMPLE": true, "FOR": true, "SELECT": true, "FROM": true, "AS": true,
	"WITH": true, "LATERAL": true, "PIVOT": true, "UNPIVOT": true,
}

// extraction is the result of walking the FROM and JOIN clauses.
type extraction struct {
	refs []tableRef
	ctes map[string]bool
}

// extractTables walks the token stream and collects every name that appears
// where a table is expected.
//
// # Description
//
// Common table expressions are collected first from every "WITH name AS ("
// and ", name AS (" definition at any nesting depth. The walk then looks at
// each FROM and JOIN keyword:
//   - FROM inside EXTRACT, TRIM, SUBSTRING and similar calls is skipped.
//   - "IS [NOT] DISTINCT FROM" is skipped.
//   - A parenthesis after FROM or JOIN is a subquery; its own FROM clauses
//     are visited by the same walk.
//   - A name followed by "(" is a table function call and is returned as a
//     reference; the caller decides whether the function is allowed.
//   - Comma-separated FROM items are followed until a clause keyword.
//
// Implicit array paths such as "FROM pedidos p, p.itens" are returned as
// references like any other name, so they only pass when they resolve to an
// allowed table. Array expansion must use UNNEST.
func extractTables(toks []token) extraction {
	ex := extraction{ctes: collectCTEs(toks)}

	var openers []string
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokLParen:
			opener := ""
			if i > 0 && toks[i-1].kind == tokIdent {
				opener = toks[i-1].upper
			}
			openers = append(openers, opener)
			continue
		case tokRParen:
			if len(openers) > 0 {
				openers = openers[:len(openers)-1]
			}
			continue
		}

		if t.isKeyword("FROM") {
			if len(openers) > 0 && fromInsideFunctions[openers[len(openers)-1]] {
				continue
			}
			if i > 0 && toks[i-1].isKeyword("DISTINCT") {
				continue
			}
			i = ex.readFromItems(toks, i+1, true)
			continue
		}
		if t.isKeyword("JOIN") {
			i = ex.readFromItems(toks, i+1, false)
		}
	}
	return ex
}

// readFromItems reads one FROM item, or a comma-separated list when list is
// set, starting at toks[i]. It returns the index of the last token consumed.
//
// Parenthesized items and table function arguments are consumed here and
// walked recursively, so names inside them are never missed and a comma after
// a subquery still continues the list.
func (ex *extraction) readFromItems(toks []token, i int, list bool) int {
	for i < len(toks) {
		t := toks[i]
		named := -1
		switch {
		case t.kind == tokLParen:
			closing := matchingParen(toks, i)
			inner := toks[i+1 : closing]
			if len(inner) > 0 && (inner[0].isKeyword("SELECT") || inner[0].isKeyword("WITH")) {
				ex.merge(extractTables(inner))
			} else {
				// Parenthesized join: its first item has no FROM keyword.
				prefixed := append([]token{{kind: tokIdent, text: "FROM", upper: "FROM"}}, inner...)
				ex.merge(extractTables(prefixed))
			}
			i = closing + 1

		case t.kind != tokIdent:
			return i - 1

		case t.isKeyword("LATERAL"):
			i++
			continue

		case !t.quoted && clauseKeywords[t.upper]:
			return i - 1

		default:
			ref := tableRef{name: t.text, pos: t.pos}
			i++
			ref.call = i < len(toks) && toks[i].kind == tokLParen
			ex.refs = append(ex.refs, ref)
			named = len(ex.refs) - 1
			if ref.call {
				closing := matchingParen(toks, i)
				ex.merge(extractTables(toks[i+1 : closing]))
				i = closing + 1
			}
		}

		if i < len(toks) && toks[i].isKeyword("AS") {
			i++
		}
		if i < len(toks) && toks[i].kind == tokIdent && (toks[i].quoted || !clauseKeywords[toks[i].upper]) {
			if named >= 0 {
				ex.refs[named].alias = toks[i].text
			}
			i++
		}

		if !list || i >= len(toks) || toks[i].kind != tokComma {
			return i - 1
		}
		i++
	}
	return i - 1
}

func (ex *extraction) merge(other extraction) {
	ex.refs = append(ex.refs, other.refs...)
}

// matchingParen returns the index of the parenthesis closing toks[open], or
// len(toks) when it is unbalanced.
func matchingParen(toks []token, open int) int {
	depth := 0
	for j := open; j < len(toks); j++ {
		switch toks[j].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(toks)
}

// collectCTEs finds every "WITH [RECURSIVE] name [(cols)] AS (" and
// ", name [(cols)] AS (" definition.
func collectCTEs(toks []token) map[string]bool {
	ctes := make(map[string]bool)
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if !(t.isKeyword("WITH") || t.kind == tokComma) {
			continue
		}
		j := i + 1
		if j < len(toks) && toks[j].isKeyword("RECURSIVE") {
			j++
		}
		if j >= len(toks) || toks[j].kind != tokIdent || strings.Contains(toks[j].text, ".") {
			continue
		}
		name := toks[j].text
		j++
		if j < len(toks) && toks[j].kind == tokLParen {
			for j < len(toks) && toks[j].kind != tokRParen {
				j++
			}
			j++
		}
		if j+1 < len(toks) && toks[j].isKeyword("AS") && toks[j+1].kind == tokLParen {
			ctes[strings.ToLower(name)] = true
		}
	}
	return ctes
}

// isCTE reports whether ref names a locally defined CTE.
func (ex *extraction) isCTE(ref string) bool {
	return ex.ctes[strings.ToLower(ref)]
}

// starProjections returns the qualifiers of every star projection in toks.
// A bare "*" yields an empty qualifier and "c.*" yields "c". COUNT(*) and
// multiplication are not projections.
func starProjections(toks []token) []string {
	var quals []string
	for i, t := range toks {
		switch {
		case t.kind == tokOther && t.text == "*" && i > 0 &&
			(toks[i-1].isKeyword("SELECT") || toks[i-1].isKeyword("DISTINCT") || toks[i-1].isKeyword("ALL") || toks[i-1].kind == tokComma):
			quals = append(quals, "")
		case t.kind == tokIdent && strings.HasSuffix(t.text, ".*"):
			quals = append(quals, strings.ToLower(strings.TrimSuffix(t.text, ".*")))
		}
	}
	return quals
}
