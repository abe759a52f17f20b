// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultRules holds the embedded intent_rules.yaml. The rules travel with the
// binary and are immutable at runtime.
//
//go:embed rules/intent_rules.yaml
var DefaultRules []byte

// RuleFile is the YAML shape of the intent rules.
type RuleFile struct {
	Version               string                   `yaml:"version" validate:"required"`
	ShortMessageMaxTokens int                      `yaml:"short_message_max_tokens" validate:"min=1"`
	AnalyticalKeywords    []string                 `yaml:"analytical_keywords" validate:"min=1,dive,required"`
	YearPattern           string                   `yaml:"year_pattern"`
	EnglishMarkers        []string                 `yaml:"english_markers"`
	Conversational        []ConversationalRule     `yaml:"conversational" validate:"dive"`
	GeneralKnowledge      []KnowledgeRule          `yaml:"general_knowledge" validate:"dive"`
	Replies               map[string]LocalizedText `yaml:"replies" validate:"required"`
}

// ConversationalRule maps patterns to a conversational subtype.
type ConversationalRule struct {
	Subtype  Subtype  `yaml:"subtype" validate:"required"`
	Patterns []string `yaml:"patterns" validate:"min=1,dive,required"`

	compiled []*regexp.Regexp
}

// KnowledgeRule maps patterns to a canned e-commerce definition.
type KnowledgeRule struct {
	ID       string        `yaml:"id" validate:"required"`
	Patterns []string      `yaml:"patterns" validate:"min=1,dive,required"`
	Answer   LocalizedText `yaml:"answer"`

	compiled []*regexp.Regexp
}

// LocalizedText carries a Portuguese and an English rendering.
type LocalizedText struct {
	PT string `yaml:"pt" validate:"required"`
	EN string `yaml:"en" validate:"required"`
}

// In returns the text for lang, falling back to Portuguese.
func (t LocalizedText) In(lang Lang) string {
	if lang == LangEN && t.EN != "" {
		return t.EN
	}
	return t.PT
}

// keywordSet holds exact and prefix analytical keywords.
type keywordSet struct {
	exact    map[string]struct{}
	prefixes []string
	year     *regexp.Regexp
}

func (k *keywordSet) matches(token string) bool {
	if _, ok := k.exact[token]; ok {
		return true
	}
	for _, p := range k.prefixes {
		if strings.HasPrefix(token, p) {
			return true
		}
	}
	return k.year != nil && k.year.MatchString(token)
}

// ParseRules decodes, validates and compiles a rule file.
//
// # Description
//
// Decodes YAML with yaml.v3, validates required fields with validator/v10 and
// compiles every pattern. Any invalid regex fails the whole file.
//
// # Inputs
//
//   - raw: YAML bytes, usually DefaultRules.
//
// # Outputs
//
//   - *RuleFile: Compiled rules.
//   - error: Non-nil on decode, validation or compile failure.
func ParseRules(raw []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent rules: %w", err)
	}
	if err := validator.New().Struct(&rf); err != nil {
		return nil, fmt.Errorf("invalid intent rules: %w", err)
	}

	for i := range rf.Conversational {
		rule := &rf.Conversational[i]
		for _, p := range rule.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile conversational pattern %q: %w", p, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	for i := range rf.GeneralKnowledge {
		rule := &rf.GeneralKnowledge[i]
		for _, p := range rule.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile knowledge pattern %q: %w", p, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	if _, ok := rf.Replies[string(SubtypeGeneral)]; !ok {
		return nil, fmt.Errorf("intent rules must define a %q reply", SubtypeGeneral)
	}
	return &rf, nil
}

func (rf *RuleFile) keywords() (*keywordSet, error) {
	ks := &keywordSet{exact: make(map[string]struct{})}
	for _, kw := range rf.AnalyticalKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if strings.HasSuffix(kw, "*") {
			ks.prefixes = append(ks.prefixes, strings.TrimSuffix(kw, "*"))
			continue
		}
		ks.exact[kw] = struct{}{}
	}
	if rf.YearPattern != "" {
		re, err := regexp.Compile(rf.YearPattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile year pattern: %w", err)
		}
		ks.year = re
	}
	return ks, nil
}
