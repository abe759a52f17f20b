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
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAnalyst/pkg/validation"
)

//go:embed policy/security_policy.yaml
var defaultPolicyYAML []byte

// SecurityPolicy is the immutable rule set applied to generated SQL.
type SecurityPolicy struct {
	Version             string         `yaml:"version" validate:"required"`
	AllowedOperations   []string       `yaml:"allowed_operations" validate:"min=1,dive,oneof=SELECT WITH"`
	ForbiddenOperations []string       `yaml:"forbidden_operations" validate:"min=1,dive,required"`
	MaxBytesProcessed   int64          `yaml:"max_bytes_processed" validate:"gt=0"`
	MaxRows             int            `yaml:"max_rows" validate:"gt=0"`
	CostPerTiBUSD       float64        `yaml:"cost_per_tib_usd" validate:"gte=0"`
	ScanBytesPerSecond  int64          `yaml:"scan_bytes_per_second" validate:"gt=0"`
	CTEPrefixes         []string       `yaml:"cte_prefixes"`
	Tables              []TablePolicy  `yaml:"tables" validate:"min=1,dive"`
	Functions           FunctionPolicy `yaml:"functions"`
}

// TablePolicy is one allow-listed table.
type TablePolicy struct {
	Name              string   `yaml:"name" validate:"required"`
	Description       string   `yaml:"description"`
	RestrictedColumns []string `yaml:"restricted_columns"`
}

// FunctionPolicy lists table-valued or scalar functions that may follow FROM
// or JOIN without being treated as a table reference.
type FunctionPolicy struct {
	Names    []string `yaml:"names"`
	Prefixes []string `yaml:"prefixes"`
}

// DefaultPolicy parses the embedded policy.
func DefaultPolicy() (*SecurityPolicy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// LoadPolicy reads a policy from path, or the embedded policy when path is
// empty.
func LoadPolicy(path string) (*SecurityPolicy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read security policy %s: %w", path, err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes and validates a policy document.
//
// # Description
//
// Names are normalized to lower case so lookups are case-insensitive.
//
// # Inputs
//
//   - raw: YAML bytes.
//
// # Outputs
//
//   - *SecurityPolicy: The validated policy.
//   - error: Non-nil when the YAML is malformed, a required field is missing,
//     or a table or column name is not a plain identifier.
func ParsePolicy(raw []byte) (*SecurityPolicy, error) {
	var p SecurityPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal security policy: %w", err)
	}
	for i := range p.AllowedOperations {
		p.AllowedOperations[i] = strings.ToUpper(strings.TrimSpace(p.AllowedOperations[i]))
	}
	if err := validator.New().Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid security policy: %w", err)
	}

	for i := range p.ForbiddenOperations {
		p.ForbiddenOperations[i] = strings.ToUpper(strings.TrimSpace(p.ForbiddenOperations[i]))
	}
	for i := range p.Tables {
		p.Tables[i].Name = strings.ToLower(strings.Trim(strings.TrimSpace(p.Tables[i].Name), "`"))
	}
	if err := validation.ValidateTableNames(p.TableNames()); err != nil {
		return nil, fmt.Errorf("invalid security policy: %w", err)
	}
	for i := range p.Tables {
		t := &p.Tables[i]
		for j := range t.RestrictedColumns {
			t.RestrictedColumns[j] = strings.ToLower(strings.TrimSpace(t.RestrictedColumns[j]))
			if err := validation.ValidateColumnName(t.RestrictedColumns[j]); err != nil {
				return nil, fmt.Errorf("invalid security policy: table %s: %w", t.Name, err)
			}
		}
	}
	lowerAll(p.CTEPrefixes)
	lowerAll(p.Functions.Names)
	lowerAll(p.Functions.Prefixes)
	return &p, nil
}

func lowerAll(ss []string) {
	for i := range ss {
		ss[i] = strings.ToLower(strings.TrimSpace(ss[i]))
	}
}

// lookupTable returns the allow-listed table a reference resolves to.
//
// A reference matches when its trailing dot-separated segments equal the
// allowed name's trailing segments, comparing as many segments as the shorter
// of the two has. "pedidos", "ecommerce.pedidos" and
// "proj.ecommerce.pedidos" all resolve to "ecommerce.pedidos"; "other.pedidos"
// does not.
func (p *SecurityPolicy) lookupTable(ref string) (*TablePolicy, bool) {
	refParts := strings.Split(strings.ToLower(ref), ".")
	for i := range p.Tables {
		allowed := strings.Split(p.Tables[i].Name, ".")
		n := min(len(refParts), len(allowed))
		if equalSegments(refParts[len(refParts)-n:], allowed[len(allowed)-n:]) {
			return &p.Tables[i], true
		}
	}
	return nil, false
}

func equalSegments(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *SecurityPolicy) isFunction(name string) bool {
	name = strings.ToLower(name)
	for _, f := range p.Functions.Names {
		if name == f {
			return true
		}
	}
	for _, prefix := range p.Functions.Prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (p *SecurityPolicy) hasCTEPrefix(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range p.CTEPrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// TableNames returns the allow-listed table names.
func (p *SecurityPolicy) TableNames() []string {
	out := make([]string, len(p.Tables))
	for i, t := range p.Tables {
		out[i] = t.Name
	}
	return out
}
