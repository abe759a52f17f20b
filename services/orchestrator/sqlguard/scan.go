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

// =============================================================================
// Sanitizing
// =============================================================================

// scanned holds three byte-aligned views of one query.
//
// sanitized has comments replaced by spaces. masked additionally blanks the
// contents of string literals while keeping the quotes, so keyword and table
// scans never look inside data. comments holds the comment bodies that were
// removed.
type scanned struct {
	raw       string
	sanitized string
	masked    string
	comments  []string
}

// scan strips comments and masks literals.
//
// Handles "--" and "#" line comments, "/* */" block comments, single and
// double quoted strings with backslash or doubled-quote escapes, and
// backtick-quoted identifiers, which are left untouched. An unterminated
// comment or literal runs to the end of the text.
func scan(sql string) scanned {
	n := len(sql)
	sanitized := []byte(sql)
	masked := []byte(sql)
	var comments []string

	blank := func(from, to int, keepNewlines bool) {
		for k := from; k < to; k++ {
			if keepNewlines && sql[k] == '\n' {
				continue
			}
			sanitized[k] = ' '
			masked[k] = ' '
		}
	}

	for i := 0; i < n; {
		c := sql[i]
		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-', c == '#':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = n
			} else {
				end += i
			}
			start := i + 1
			if c == '-' {
				start = i + 2
			}
			comments = append(comments, sql[start:end])
			blank(i, end, true)
			i = end

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			bodyEnd, next := n, n
			if end >= 0 {
				bodyEnd = i + 2 + end
				next = bodyEnd + 2
			}
			comments = append(comments, sql[i+2:bodyEnd])
			blank(i, next, true)
			i = next

		case c == '\'' || c == '"':
			j := i + 1
			for j < n {
				if sql[j] == '\\' && j+1 < n {
					j += 2
					continue
				}
				if sql[j] == c {
					if j+1 < n && sql[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			for k := i + 1; k < j && k < n; k++ {
				masked[k] = ' '
			}
			i = j + 1

		case c == '`':
			end := strings.IndexByte(sql[i+1:], '`')
			if end < 0 {
				i = n
			} else {
				i = i + 1 + end + 1
			}

		default:
			i++
		}
	}

	return scanned{raw: sql, sanitized: string(sanitized), masked: string(masked), comments: comments}
}

// =============================================================================
// Lexing
// =============================================================================

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokComma
	tokSemicolon
	tokOther
)

// token is one lexeme of masked SQL.
//
// For identifiers, text is the dotted name with backticks removed and upper
// is its upper-cased form for keyword comparison. quoted is set when any part
// was backtick-quoted, which rules out keyword interpretation.
type token struct {
	kind   tokenKind
	text   string
	upper  string
	quoted bool
	pos    int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// lex tokenizes masked SQL. Dotted and backtick-quoted name parts are joined
// into a single identifier token.
func lex(masked string) []token {
	var toks []token
	n := len(masked)
	for i := 0; i < n; {
		c := masked[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c) || c == '`':
			start := i
			var b strings.Builder
			quoted := false
			for i < n {
				if masked[i] == '`' {
					end := strings.IndexByte(masked[i+1:], '`')
					if end < 0 {
						b.WriteString(masked[i+1:])
						i = n
					} else {
						b.WriteString(masked[i+1 : i+1+end])
						i = i + 1 + end + 1
					}
					quoted = true
				} else if isIdentStart(masked[i]) {
					j := i
					for j < n && isIdentPart(masked[j]) {
						j++
					}
					b.WriteString(masked[i:j])
					i = j
				} else {
					break
				}
				if i < n && masked[i] == '.' && i+1 < n && (isIdentStart(masked[i+1]) || masked[i+1] == '`' || masked[i+1] == '*') {
					if masked[i+1] == '*' {
						b.WriteString(".*")
						i += 2
						break
					}
					b.WriteByte('.')
					i++
					continue
				}
				break
			}
			text := b.String()
			toks = append(toks, token{kind: tokIdent, text: text, upper: strings.ToUpper(text), quoted: quoted, pos: start})
		case c >= '0' && c <= '9':
			start := i
			for i < n && (isIdentPart(masked[i]) || masked[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: masked[start:i], pos: start})
		case c == '\'' || c == '"':
			start := i
			j := i + 1
			for j < n && masked[j] != c {
				j++
			}
			i = j + 1
			toks = append(toks, token{kind: tokString, pos: start})
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == ';':
			toks = append(toks, token{kind: tokSemicolon, text: ";", pos: i})
			i++
		default:
			toks = append(toks, token{kind: tokOther, text: string(c), pos: i})
			i++
		}
	}
	return toks
}

// isKeyword reports whether an unquoted identifier token equals kw.
func (t token) isKeyword(kw string) bool {
	return t.kind == tokIdent && !t.quoted && t.upper == kw
}
