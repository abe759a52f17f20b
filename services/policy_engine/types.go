// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package policy_engine

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// PublicClassification is returned when no pattern matches.
const PublicClassification = "public"

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

type PolicyEngineClassificationFile struct {
	ClassificationPatterns []Classification `yaml:"classifications" validate:"required,min=1,dive"`
}

type Classification struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
	// Blocking classifications stop the request that carries them.
	Blocking         bool             `yaml:"blocking"`
	Patterns         []Pattern        `yaml:"patterns" validate:"required,min=1,dive"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

type Pattern struct {
	Id              string          `yaml:"id" validate:"required"`
	Description     string          `yaml:"description"`
	Regex           string          `yaml:"regex" validate:"required"`
	Confidence      ConfidenceLevel `yaml:"confidence" validate:"required"`
	compiledPattern *regexp.Regexp  `yaml:"-"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incomingConfidence := ConfidenceLevel(s)
	switch incomingConfidence {
	case High, Medium, Low:
		*c = incomingConfidence
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incomingConfidence)
	}
}

func (p *PolicyEngineClassificationFile) CompileRegexes() error {
	for i := range p.ClassificationPatterns {
		for j := range p.ClassificationPatterns[i].Patterns {
			pattern := &p.ClassificationPatterns[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex for %s: %w", pattern.Id, err)
			}
			p.ClassificationPatterns[i].CompiledPatterns = append(p.ClassificationPatterns[i].
				CompiledPatterns, re)
			pattern.compiledPattern = re
		}
	}
	return nil
}

func (p *PolicyEngineClassificationFile) SortByPriority() {
	sort.SliceStable(p.ClassificationPatterns, func(i, j int) bool {
		return p.ClassificationPatterns[i].Priority > p.ClassificationPatterns[j].Priority
	})
}

// ScanFinding is one pattern match in a scanned message. MatchedContent is
// redacted so findings can be logged and audited safely.
type ScanFinding struct {
	LineNumber         int             `json:"line_number"`
	MatchedContent     string          `json:"matched_content"`
	ClassificationName string          `json:"classification_name"`
	PatternId          string          `json:"pattern_id"`
	PatternDescription string          `json:"pattern_description"`
	Confidence         ConfidenceLevel `json:"confidence"`
	Blocking           bool            `json:"blocking"`
}

// Decision is the outcome of evaluating one message.
type Decision struct {
	// Classification is the highest-priority classification found, or
	// PublicClassification.
	Classification string
	// Blocked is set when any finding belongs to a blocking classification.
	Blocked  bool
	Findings []ScanFinding
}

// PatternIDs lists the ids of all findings in scan order.
func (d Decision) PatternIDs() []string {
	ids := make([]string, 0, len(d.Findings))
	for _, f := range d.Findings {
		ids = append(ids, f.PatternId)
	}
	return ids
}
