// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies incoming messages before any expensive work.
//
// # Description
//
// The Router decides whether a message is small talk, a canned e-commerce
// definition question, or an analytical question that needs the warehouse.
// Classification is a pure function of the message text and the embedded
// rules; it never calls an external provider.
//
// # Thread Safety
//
// A Router is immutable after construction and safe for concurrent use.
package intent

import (
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/textnorm"
)

// Kind is the top-level intent tag.
type Kind string

const (
	KindConversational   Kind = "conversational"
	KindGeneralKnowledge Kind = "general_knowledge"
	KindAnalytical       Kind = "analytical"
)

// Subtype refines conversational messages.
type Subtype string

const (
	SubtypeGreeting       Subtype = "greeting"
	SubtypeFarewell       Subtype = "farewell"
	SubtypeThanks         Subtype = "thanks"
	SubtypeSatisfaction   Subtype = "satisfaction"
	SubtypeAboutAssistant Subtype = "about_assistant"
	SubtypeGeneral        Subtype = "general"
)

// Lang is the reply language detected for a message.
type Lang string

const (
	LangPT Lang = "pt"
	LangEN Lang = "en"
)

// Intent is the classification of one message.
//
// Subtype is set only for KindConversational and KnowledgeID only for
// KindGeneralKnowledge.
type Intent struct {
	Kind        Kind
	Subtype     Subtype
	KnowledgeID string
	Lang        Lang
}

// Router classifies messages with compiled rules.
type Router struct {
	rules    *RuleFile
	keywords *keywordSet
	english  map[string]struct{}
}

// NewRouter builds a Router from the embedded default rules.
func NewRouter() (*Router, error) {
	return NewRouterFromYAML(DefaultRules)
}

// NewRouterFromYAML builds a Router from a rule file.
func NewRouterFromYAML(raw []byte) (*Router, error) {
	rf, err := ParseRules(raw)
	if err != nil {
		return nil, err
	}
	ks, err := rf.keywords()
	if err != nil {
		return nil, err
	}
	english := make(map[string]struct{}, len(rf.EnglishMarkers))
	for _, m := range rf.EnglishMarkers {
		english[strings.ToLower(m)] = struct{}{}
	}
	return &Router{rules: rf, keywords: ks, english: english}, nil
}

// Classify tags a message.
//
// # Description
//
// Evaluation order on the canonical (folded, trimmed) message:
//  1. When the message has no analytical keyword, the conversational
//     patterns (greeting, thanks, farewell, satisfaction, about-assistant).
//  2. The general-knowledge patterns.
//  3. A message shorter than ShortMessageMaxTokens tokens with no analytical
//     keyword is conversational with SubtypeGeneral.
//  4. Everything else is analytical.
//
// # Examples
//
//	r.Classify("obrigado")  // {Kind: conversational, Subtype: thanks}
//	r.Classify("quais os produtos mais vendidos em janeiro de 2025")  // analytical
func (r *Router) Classify(message string) Intent {
	canonical := textnorm.Canonical(message)
	tokens := textnorm.Tokens(message)
	lang := r.detectLang(tokens)
	analytical := r.hasAnalyticalKeyword(tokens)

	if !analytical {
		for _, rule := range r.rules.Conversational {
			for _, re := range rule.compiled {
				if re.MatchString(canonical) {
					return Intent{Kind: KindConversational, Subtype: rule.Subtype, Lang: lang}
				}
			}
		}
	}

	for _, rule := range r.rules.GeneralKnowledge {
		for _, re := range rule.compiled {
			if re.MatchString(canonical) {
				return Intent{Kind: KindGeneralKnowledge, KnowledgeID: rule.ID, Lang: lang}
			}
		}
	}

	if !analytical && len(tokens) < r.rules.ShortMessageMaxTokens {
		return Intent{Kind: KindConversational, Subtype: SubtypeGeneral, Lang: lang}
	}

	return Intent{Kind: KindAnalytical, Lang: lang}
}

func (r *Router) hasAnalyticalKeyword(tokens []string) bool {
	for _, tok := range tokens {
		if r.keywords.matches(tok) {
			return true
		}
	}
	return false
}

func (r *Router) detectLang(tokens []string) Lang {
	for _, tok := range tokens {
		if _, ok := r.english[tok]; ok {
			return LangEN
		}
	}
	return LangPT
}

// =============================================================================
// Canned Replies
// =============================================================================

// ReplyContext is the session state a canned reply may refer to.
type ReplyContext struct {
	TotalInteractions int
}

// Reply returns the canned text for a conversational intent.
func (r *Router) Reply(in Intent, rc ReplyContext) string {
	key := string(in.Subtype)
	if in.Subtype == SubtypeGreeting && rc.TotalInteractions > 0 {
		if _, ok := r.rules.Replies["greeting_returning"]; ok {
			key = "greeting_returning"
		}
	}
	text, ok := r.rules.Replies[key]
	if !ok {
		text = r.rules.Replies[string(SubtypeGeneral)]
	}
	return strings.ReplaceAll(text.In(in.Lang), "{interactions}", strconv.Itoa(rc.TotalInteractions))
}

// Knowledge returns the canned answer for a general-knowledge intent.
func (r *Router) Knowledge(in Intent) (string, bool) {
	for _, rule := range r.rules.GeneralKnowledge {
		if rule.ID == in.KnowledgeID {
			return rule.Answer.In(in.Lang), true
		}
	}
	return "", false
}
