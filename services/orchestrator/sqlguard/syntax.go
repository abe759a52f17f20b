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
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/sql"
)

// parseIssue is one ERROR or MISSING node from the advisory parse.
type parseIssue struct {
	Line    int
	Column  int
	Snippet string
	Missing bool
}

// maxParseIssues bounds collection on heavily malformed input.
const maxParseIssues = 20

// parseIssues runs the generic tree-sitter SQL grammar over the query.
//
// # Description
//
// The grammar is ANSI-flavored and does not know every warehouse dialect
// extension, so its findings are advisory: they become warnings, never
// errors. The authoritative syntax verdict comes from the warehouse dry run.
//
// # Outputs
//
//   - []parseIssue: ERROR and MISSING nodes in document order.
//   - error: Non-nil only when the parser itself fails (e.g. cancellation).
func parseIssues(ctx context.Context, query string) ([]parseIssue, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(sql.GetLanguage())

	content := []byte(query)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("sql parse failed: %w", err)
	}
	defer tree.Close()

	var issues []parseIssue
	collectParseIssues(tree.RootNode(), content, &issues, 0)
	return issues, nil
}

func collectParseIssues(node *sitter.Node, content []byte, issues *[]parseIssue, depth int) {
	if node == nil || depth > 500 || len(*issues) >= maxParseIssues {
		return
	}
	if node.IsError() || node.IsMissing() {
		start, end := node.StartByte(), node.EndByte()
		if end > uint32(len(content)) {
			end = uint32(len(content))
		}
		snippet := ""
		if end > start && end-start < 80 {
			snippet = string(content[start:end])
		}
		p := node.StartPoint()
		*issues = append(*issues, parseIssue{
			Line:    int(p.Row) + 1,
			Column:  int(p.Column),
			Snippet: snippet,
			Missing: node.IsMissing(),
		})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectParseIssues(node.Child(i), content, issues, depth+1)
	}
}
