// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/sqlguard"
)

// maxPromptRows bounds how many result rows are shown to the synthesizer.
const maxPromptRows = 50

// =============================================================================
// Schema Description
// =============================================================================

// DescribeSchema renders the allow-listed tables of a security policy as the
// schema section of the SQL generation prompt.
//
// # Description
//
// Restricted columns are listed as forbidden so the generator avoids them
// instead of having the validator reject its output.
//
// # Examples
//
//	policy, _ := sqlguard.DefaultPolicy()
//	schema := DescribeSchema(policy)
//	// "- ecommerce.pedidos: Pedidos realizados ...\n  (do not select: cpf)"
func DescribeSchema(policy *sqlguard.SecurityPolicy) string {
	if policy == nil {
		return ""
	}
	var b strings.Builder
	for _, t := range policy.Tables {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(t.Description))
		}
		b.WriteString("\n")
		if len(t.RestrictedColumns) > 0 {
			fmt.Fprintf(&b, "  (do not select: %s)\n", strings.Join(t.RestrictedColumns, ", "))
		}
	}
	return b.String()
}

// =============================================================================
// SQL Generation
// =============================================================================

// sqlPromptInput is what the generation prompt is built from.
type sqlPromptInput struct {
	Question        string
	Schema          string
	Dialect         string
	MaxRows         int
	RecentQuestions []string
	Context         *datatypes.RequestContext
}

func buildSQLPrompt(in sqlPromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You translate e-commerce analytics questions into a single %s query.\n\n", in.Dialect)
	b.WriteString("Rules:\n")
	b.WriteString("- Produce exactly one read-only SELECT statement (a WITH clause is allowed).\n")
	b.WriteString("- Use only the tables listed below, fully qualified.\n")
	b.WriteString("- Never select restricted columns.\n")
	fmt.Fprintf(&b, "- Always end with LIMIT %d or less.\n", in.MaxRows)
	b.WriteString("- For rankings, order by the measured value descending and return the label column first.\n")
	b.WriteString("- Answer with the SQL inside a ```sql fenced block and nothing else.\n\n")

	b.WriteString("Tables:\n")
	b.WriteString(in.Schema)
	b.WriteString("\n")

	if ctxText := describeRequestContext(in.Context); ctxText != "" {
		b.WriteString("Constraints from the user interface:\n")
		b.WriteString(ctxText)
		b.WriteString("\n")
	}

	if len(in.RecentQuestions) > 0 {
		b.WriteString("Earlier questions in this conversation (oldest first):\n")
		for _, q := range in.RecentQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n", in.Question)
	return b.String()
}

func describeRequestContext(rc *datatypes.RequestContext) string {
	if rc == nil {
		return ""
	}
	var b strings.Builder
	if rc.TimeRange != nil && (rc.TimeRange.Start != "" || rc.TimeRange.End != "") {
		fmt.Fprintf(&b, "- Restrict dates to the range %s .. %s (inclusive).\n", rc.TimeRange.Start, rc.TimeRange.End)
	}
	if len(rc.Filters) > 0 {
		keys := make([]string, 0, len(rc.Filters))
		for k := range rc.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- Filter %s = %v\n", k, rc.Filters[k])
		}
	}
	return b.String()
}

var (
	sqlFence      = regexp.MustCompile("(?is)```(?:sql|bigquery|googlesql)?[ \\t]*\\n?(.*?)```")
	sqlKeyword    = regexp.MustCompile(`\b(?:WITH|SELECT)\b`)
	sqlStatement  = regexp.MustCompile(`(?i)\b(?:with|select)\b`)
	trailingProse = regexp.MustCompile(`\n\s*\n`)
)

// ExtractSQL pulls the query out of a generator reply.
//
// # Description
//
// A fenced code block wins when present. Otherwise the reply is scanned for
// the first SELECT or WITH keyword, upper case preferred, and the statement
// is taken from there up to the first semicolon or blank line.
//
// # Outputs
//
//   - string: The SQL, or "" when the reply holds no query.
//
// # Examples
//
//	ExtractSQL("Here you go:\n```sql\nSELECT 1\n```") // "SELECT 1"
//	ExtractSQL("Sure! SELECT 1; Hope it helps")       // "SELECT 1"
func ExtractSQL(reply string) string {
	if m := sqlFence.FindStringSubmatch(reply); m != nil {
		if sql := cleanStatement(m[1]); sql != "" {
			return sql
		}
	}

	// Upper-case keywords are preferred so prose such as "I will select"
	// does not start the statement.
	loc := sqlKeyword.FindStringIndex(reply)
	if loc == nil {
		loc = sqlStatement.FindStringIndex(reply)
	}
	if loc == nil {
		return ""
	}
	stmt := reply[loc[0]:]
	if i := strings.Index(stmt, ";"); i >= 0 {
		stmt = stmt[:i]
	}
	if loc := trailingProse.FindStringIndex(stmt); loc != nil {
		stmt = stmt[:loc[0]]
	}
	return cleanStatement(stmt)
}

func cleanStatement(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "; \t\n")
	return strings.TrimSpace(s)
}

// =============================================================================
// Answer Synthesis
// =============================================================================

func buildSynthesisPrompt(question string, lang intent.Lang, res *datatypes.QueryResult) string {
	var b strings.Builder
	b.WriteString("You are an e-commerce analyst. Answer the question using only the query result below.\n")
	if lang == intent.LangEN {
		b.WriteString("Answer in English.\n")
	} else {
		b.WriteString("Answer in Brazilian Portuguese.\n")
	}
	b.WriteString("When the result is a ranking, write one line per item in rank order, formatted as\n")
	b.WriteString("\"1. **Item name** - 150 unidades\" (use the medal emojis 🥇🥈🥉 for the first three if you like).\n")
	b.WriteString("Keep the answer short and do not mention SQL.\n\n")

	fmt.Fprintf(&b, "Question: %s\n\n", question)
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(res.Columns, ", "))

	rows := res.Rows
	if len(rows) > maxPromptRows {
		rows = rows[:maxPromptRows]
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		raw = []byte("[]")
	}
	fmt.Fprintf(&b, "Rows (%d of %d): %s\n", len(rows), res.TotalRows, raw)
	return b.String()
}
