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
	_ "embed"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// messageClassification is the rule set the message gate runs before a
// question is routed, cached or sent to a model. Blocking classifications
// stop the request; the others are only reported.
//
//go:embed message_classification.yaml
var messageClassification []byte

// PolicyEngine classifies user messages before they reach a model.
// It holds the loaded rules and is safe for concurrent use once built.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine builds an engine from the classification patterns
// embedded in the binary.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Validates required fields.
// 3. Compiles all regex patterns.
// 4. Sorts classifications by priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(messageClassification)
}

// NewPolicyEngineFromYAML builds an engine from a classification file.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var classificationFile PolicyEngineClassificationFile
	if err := yaml.Unmarshal(data, &classificationFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := validator.New().Struct(&classificationFile); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}

	if err := classificationFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}

	classificationFile.SortByPriority()

	return &PolicyEngine{Classifiers: classificationFile.ClassificationPatterns}, nil
}

// ClassifyData performs a quick check on a byte slice and returns the name
// of the first classification, in priority order, with a matching pattern.
// If no match is found, it returns PublicClassification.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, re := range classifier.CompiledPatterns {
			if re.Match(data) {
				return classifier.Name
			}
		}
	}
	return PublicClassification
}

// ScanText reports every pattern match in text, line by line, with the
// matched content redacted. Findings are ordered by line, then by
// classification priority.
func (e *PolicyEngine) ScanText(text string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(text, "\n") {
		for _, classifier := range e.Classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiledPattern.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, ScanFinding{
					LineNumber:         lineNum + 1,
					MatchedContent:     Redact(strings.TrimSpace(match)),
					ClassificationName: classifier.Name,
					PatternId:          pattern.Id,
					PatternDescription: pattern.Description,
					Confidence:         pattern.Confidence,
					Blocking:           classifier.Blocking,
				})
			}
		}
	}
	return findings
}

// Evaluate scans a message and decides whether it may proceed.
//
// # Description
//
// The decision's classification is the highest-priority classification
// among the findings. The message is blocked when any finding belongs to a
// blocking classification.
//
// # Examples
//
//	d := engine.Evaluate("minha chave é AKIA1234567890123456")
//	// d.Blocked == true, d.Classification == "secret"
func (e *PolicyEngine) Evaluate(message string) Decision {
	d := Decision{Classification: PublicClassification}
	d.Findings = e.ScanText(message)
	best := -1
	for _, f := range d.Findings {
		if f.Blocking {
			d.Blocked = true
		}
		if p := e.priorityOf(f.ClassificationName); p > best {
			best = p
			d.Classification = f.ClassificationName
		}
	}
	return d
}

func (e *PolicyEngine) priorityOf(name string) int {
	for _, c := range e.Classifiers {
		if c.Name == name {
			return c.Priority
		}
	}
	return 0
}

// Redact keeps the first and last two characters of s.
func Redact(s string) string {
	r := []rune(s)
	if len(r) <= 6 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}
