// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAnalyst/pkg/ux"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

// tableContent mirrors the table and chart payload of an answer.
type tableContent struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	TotalRows int              `json:"totalRows"`
	Truncated bool             `json:"truncated"`
}

// =============================================================================
// Answers
// =============================================================================

func renderAnswer(w io.Writer, resp *datatypes.AnalyticsResponse) {
	if resp.Metadata.Source == datatypes.SourceError {
		msg := resp.Message
		if resp.Metadata.ErrorType != "" {
			msg = fmt.Sprintf("%s [%s]", msg, resp.Metadata.ErrorType)
		}
		ux.Error(w, msg)
	} else {
		ux.Box(w, "Answer", resp.Message)
	}

	renderData(w, resp.Data)

	if resp.Metadata.SQL != "" {
		ux.Muted(w, "SQL:")
		if ux.GetMode() == ux.ModeMachine {
			ux.Field(w, "sql", strings.Join(strings.Fields(resp.Metadata.SQL), " "))
		} else {
			fmt.Fprintln(w, resp.Metadata.SQL)
		}
	}

	if len(resp.Suggestions) > 0 {
		ux.Muted(w, "Try next:")
		if ux.GetMode() != ux.ModeMachine {
			ux.Bullets(w, resp.Suggestions)
		}
	}

	ux.Field(w, "source", sourceLine(resp.Metadata))
	if len(resp.Metadata.Tables) > 0 {
		ux.Field(w, "tables", strings.Join(resp.Metadata.Tables, ", "))
	}
	ux.Field(w, "conversation", resp.ConversationID)
	ux.Field(w, "response", resp.ID)
}

func sourceLine(m datatypes.ResponseMetadata) string {
	return fmt.Sprintf("%s, confidence %.2f, %dms", m.Source, m.Confidence, m.ProcessingTimeMs)
}

func renderData(w io.Writer, data *datatypes.ResultData) {
	if data == nil {
		return
	}
	switch data.Type {
	case datatypes.DataTypeScalar:
		ux.Field(w, "value", formatCell(data.Content))
	case datatypes.DataTypeTable, datatypes.DataTypeChart:
		tc, ok := decodeTable(data.Content)
		if !ok || len(tc.Columns) == 0 {
			return
		}
		rows := make([][]string, 0, len(tc.Rows))
		for _, r := range tc.Rows {
			cells := make([]string, len(tc.Columns))
			for i, col := range tc.Columns {
				cells[i] = formatCell(r[col])
			}
			rows = append(rows, cells)
		}
		fmt.Fprint(w, ux.Table(tc.Columns, rows))
		if tc.Truncated {
			ux.Muted(w, fmt.Sprintf("showing %d of %d rows", len(tc.Rows), tc.TotalRows))
		}
	}
}

// decodeTable converts the generic JSON payload back into tableContent.
func decodeTable(content any) (tableContent, bool) {
	var tc tableContent
	raw, err := json.Marshal(content)
	if err != nil {
		return tc, false
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return tc, false
	}
	return tc, true
}

// formatCell renders one JSON value for display. Whole numbers lose their
// decimal point.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	default:
		return fmt.Sprint(x)
	}
}

// =============================================================================
// Validation
// =============================================================================

func renderValidation(w io.Writer, res *datatypes.ValidationResult) {
	if res.IsValid {
		ux.Success(w, "query is valid")
	} else {
		ux.Error(w, "query rejected")
	}
	for _, iss := range res.Errors {
		ux.Error(w, fmt.Sprintf("%s: %s", iss.Code, iss.Message))
	}
	for _, iss := range res.Warnings {
		ux.Warning(w, fmt.Sprintf("%s: %s", iss.Code, iss.Message))
	}
	if len(res.Tables) > 0 {
		ux.Field(w, "tables", strings.Join(res.Tables, ", "))
	}
	if c := res.Cost; c != nil {
		ux.Field(w, "bytes", strconv.FormatInt(c.BytesProcessed, 10))
		ux.Field(w, "estimated cost", fmt.Sprintf("$%.4f", c.EstimatedCostUSD))
		ux.Field(w, "estimated time", fmt.Sprintf("%dms", c.EstimatedExecutionMs))
		if c.ExceedsConfiguredLimit {
			ux.Warning(w, "exceeds the configured scan limit")
		}
	}
	if len(res.OptimizationHints) > 0 {
		ux.Muted(w, "Hints:")
		ux.Bullets(w, res.OptimizationHints)
	}
}

// =============================================================================
// Conversations
// =============================================================================

func renderConversation(w io.Writer, sess *datatypes.ConversationSession) {
	ux.Title(w, "Conversation "+sess.ID)
	ux.Field(w, "interactions", strconv.Itoa(sess.TotalInteractions))
	ux.Field(w, "updated", sess.UpdatedAt.Format("2006-01-02 15:04:05"))

	for _, m := range sess.Messages {
		line := fmt.Sprintf("[%s] %s", m.Role, m.Content)
		if m.Metadata != nil && m.Role == datatypes.RoleAssistant {
			line += fmt.Sprintf(" (%s)", m.Metadata.Source)
		}
		if m.Feedback != nil {
			line += fmt.Sprintf(" {%s}", m.Feedback.Type)
		}
		if ux.GetMode() == ux.ModeMachine {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Role, strings.ReplaceAll(m.Content, "\n", " "))
			continue
		}
		fmt.Fprintln(w, line)
	}
}
