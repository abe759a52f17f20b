// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package subset answers narrower follow-up questions from a ranked answer
// already present in the conversation.
//
// # Description
//
// After "top 5 produtos mais vendidos em janeiro de 2025" the follow-up
// "qual o segundo produto mais vendido em janeiro de 2025" needs no new
// query: item 2 of the earlier list is the answer. The Adapter recognizes
// these cases from the question text alone and rebuilds the answer from the
// stored message. Whenever the extraction is in doubt it returns no match so
// the caller falls through to the normal pipeline.
//
// # Thread Safety
//
// The Adapter is stateless and safe for concurrent use. It only reads the
// session snapshot it is given.
package subset

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

// SubsetConfidence is the confidence reported for adapted answers.
const SubsetConfidence = 0.98

// Match is a follow-up answered from an earlier ranked answer.
type Match struct {
	Answer     string
	Confidence float64
	Requested  QueryInfo
	Prior      QueryInfo
	// Items are the ranked items the answer was built from, in rank order.
	Items []RankedItem
	// PriorMessageID is the assistant message the items came from.
	PriorMessageID string
	// Metadata is copied from the prior message so feedback and SQL links
	// survive the adaptation.
	Metadata datatypes.MessageMetadata
}

// Adapter narrows earlier ranked answers.
type Adapter struct{}

// NewAdapter creates an Adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// TryAdapt attempts to answer question from an earlier assistant message.
//
// # Description
//
// Requires question to carry a top-N or positional pattern. Assistant
// messages are scanned newest first; only answers whose source was the cache
// or a fresh query are candidates. A candidate is usable when the question
// it answered (the preceding user message) asked for a top-N list of the
// same month, year, entity and metric, the stored text holds at least that
// many ranked lines, and the new request fits inside the list. The first
// usable candidate produces the answer.
//
// # Inputs
//
//   - sess: Snapshot of the conversation, as returned by the session store.
//   - question: The new user question.
//
// # Outputs
//
//   - *Match: The rebuilt answer.
//   - bool: False when no candidate could serve the question.
func (a *Adapter) TryAdapt(sess *datatypes.ConversationSession, question string) (*Match, bool) {
	if sess == nil {
		return nil, false
	}
	requested := Extract(question)
	if !requested.Requested() {
		return nil, false
	}

	for i := len(sess.Messages) - 1; i >= 0; i-- {
		msg := sess.Messages[i]
		if msg.Role != datatypes.RoleAssistant || msg.Metadata == nil {
			continue
		}
		if msg.Metadata.Source != datatypes.SourceCache && msg.Metadata.Source != datatypes.SourceGenerated {
			continue
		}
		userMsg := sess.PairedUserMessage(i)
		if userMsg == nil {
			continue
		}
		prior := Extract(userMsg.Content)
		if !narrowable(prior, requested) {
			continue
		}
		items := ParseRankedList(msg.Content)
		if len(items) < prior.N {
			continue
		}
		return build(requested, prior, items[:prior.N], msg), true
	}
	return nil, false
}

func narrowable(prior, requested QueryInfo) bool {
	if prior.Shape != ShapeTopN || prior.N <= 0 {
		return false
	}
	if !SamePeriod(prior, requested) {
		return false
	}
	if !compatibleTag(prior.Entity, requested.Entity) || !compatibleTag(prior.Metric, requested.Metric) {
		return false
	}
	return requested.N <= prior.N
}

func build(requested, prior QueryInfo, items []RankedItem, msg datatypes.Message) *Match {
	m := &Match{
		Confidence:     SubsetConfidence,
		Requested:      requested,
		Prior:          prior,
		PriorMessageID: msg.ID,
	}
	if md := msg.Clone().Metadata; md != nil {
		m.Metadata = *md
	}

	switch requested.Shape {
	case ShapePosition:
		item := items[requested.N-1]
		m.Items = []RankedItem{item}
		m.Answer = positionAnswer(requested, item)
	default:
		m.Items = append([]RankedItem(nil), items[:requested.N]...)
		m.Answer = listAnswer(requested, m.Items)
	}
	return m
}

func positionAnswer(q QueryInfo, item RankedItem) string {
	qty := item.Quantity()
	period := periodPhrase(q)
	if q.Lang == LangEN {
		s := fmt.Sprintf("#%d%s: **%s**", q.N, period, item.Name)
		if qty != "" {
			s += fmt.Sprintf(", with %s", qty)
		}
		return s + "."
	}
	s := fmt.Sprintf("O %dº colocado%s foi **%s**", q.N, period, item.Name)
	if qty != "" {
		s += fmt.Sprintf(", com %s", qty)
	}
	return s + "."
}

func listAnswer(q QueryInfo, items []RankedItem) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Top %d%s:\n\n", q.N, periodPhrase(q)))
	for _, it := range items {
		b.WriteString(it.Line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

var monthNamesPT = map[string]string{
	"01": "janeiro", "02": "fevereiro", "03": "março", "04": "abril",
	"05": "maio", "06": "junho", "07": "julho", "08": "agosto",
	"09": "setembro", "10": "outubro", "11": "novembro", "12": "dezembro",
}

var monthNamesEN = map[string]string{
	"01": "January", "02": "February", "03": "March", "04": "April",
	"05": "May", "06": "June", "07": "July", "08": "August",
	"09": "September", "10": "October", "11": "November", "12": "December",
}

func periodPhrase(q QueryInfo) string {
	if q.Lang == LangEN {
		switch {
		case q.Month != "" && q.Year != "":
			return fmt.Sprintf(" in %s %s", monthNamesEN[q.Month], q.Year)
		case q.Month != "":
			return " in " + monthNamesEN[q.Month]
		case q.Year != "":
			return " in " + q.Year
		}
		return ""
	}
	switch {
	case q.Month != "" && q.Year != "":
		return fmt.Sprintf(" em %s de %s", monthNamesPT[q.Month], q.Year)
	case q.Month != "":
		return " em " + monthNamesPT[q.Month]
	case q.Year != "":
		return " em " + q.Year
	}
	return ""
}
