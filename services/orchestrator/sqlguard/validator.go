// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlguard statically checks generated SQL against a security policy
// before it is allowed to reach the warehouse.
//
// # Description
//
// The Validator runs a fixed sequence of checks on the query text and stops
// at the first failure:
//
//  1. The query is non-empty and starts with SELECT or WITH.
//  2. No forbidden verb (INSERT, DROP, ...) appears as a whole word, neither
//     in the query nor inside its comments.
//  3. No injection shape: OR tautologies, UNION/INTERSECT/EXCEPT SELECT, or a
//     second statement after a semicolon.
//  4. No invalid nested-data syntax: JOIN against array/JSON functions
//     instead of UNNEST, or aliases containing a dot.
//  5. Every FROM/JOIN reference is an allow-listed table, a locally defined
//     CTE, or an allowed table function; restricted columns are not
//     referenced by name or through a star projection.
//  6. The warehouse dry run stays under the byte ceiling. Syntax failures
//     reported by the dry run block; other dry-run failures only warn.
//
// # Thread Safety
//
// A Validator is immutable after construction and safe for concurrent use.
package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.analyst.sqlguard")

// Error and warning codes reported in ValidationResult.
const (
	CodeEmptyQuery            = "EMPTY_QUERY"
	CodeInvalidStatementStart = "INVALID_STATEMENT_START"
	CodeForbiddenOperation    = "FORBIDDEN_OPERATION"
	CodeInjectionTautology    = "INJECTION_TAUTOLOGY"
	CodeInjectionSetOperation = "INJECTION_SET_OPERATION"
	CodeMultipleStatements    = "MULTIPLE_STATEMENTS"
	CodeInvalidArrayJoin      = "INVALID_ARRAY_JOIN"
	CodeInvalidAlias          = "INVALID_ALIAS"
	CodeUnauthorizedTable     = "UNAUTHORIZED_TABLE"
	CodeRestrictedColumn      = "RESTRICTED_COLUMN"
	CodeBytesLimitExceeded    = "BYTES_LIMIT_EXCEEDED"
	CodeSyntaxError           = "SYNTAX_ERROR"

	WarnDryRunFailed    = "DRY_RUN_FAILED"
	WarnDryRunSkipped   = "DRY_RUN_SKIPPED"
	WarnParseErrorNodes = "PARSE_ERROR_NODES"
	WarnSelectStar      = "SELECT_STAR"
	WarnMissingLimit    = "MISSING_LIMIT"
)

// KindForCode maps a validation error code onto the error taxonomy.
func KindForCode(code string) datatypes.ErrorKind {
	switch code {
	case CodeSyntaxError:
		return datatypes.ErrorKindSyntax
	case CodeBytesLimitExceeded:
		return datatypes.ErrorKindResourceLimit
	default:
		return datatypes.ErrorKindValidation
	}
}

// DryRunner estimates a query without executing it. Implementations wrap
// datatypes.ErrSQLSyntax when the warehouse rejects the query text.
type DryRunner interface {
	DryRun(ctx context.Context, sql string) (*datatypes.DryRunResult, error)
}

// Validator checks SQL text against a SecurityPolicy.
type Validator struct {
	policy      *SecurityPolicy
	dryRunner   DryRunner
	syntaxCheck bool
	forbidden   *regexp.Regexp
	starts      map[string]bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithDryRunner enables the cost check.
func WithDryRunner(d DryRunner) Option {
	return func(v *Validator) { v.dryRunner = d }
}

// WithParseCheck toggles the advisory tree-sitter parse. Enabled by default.
func WithParseCheck(enabled bool) Option {
	return func(v *Validator) { v.syntaxCheck = enabled }
}

// New creates a Validator.
//
// # Inputs
//
//   - policy: The loaded policy. Must not be nil.
//   - opts: Optional dry runner and parse check toggle.
//
// # Outputs
//
//   - *Validator: Ready to use.
//   - error: Non-nil if policy is nil.
func New(policy *SecurityPolicy, opts ...Option) (*Validator, error) {
	if policy == nil {
		return nil, errors.New("sqlguard: policy is required")
	}
	verbs := make([]string, len(policy.ForbiddenOperations))
	for i, op := range policy.ForbiddenOperations {
		verbs[i] = regexp.QuoteMeta(op)
	}
	v := &Validator{
		policy:      policy,
		syntaxCheck: true,
		forbidden:   regexp.MustCompile(`(?i)\b(` + strings.Join(verbs, "|") + `)\b`),
		starts:      make(map[string]bool, len(policy.AllowedOperations)),
	}
	for _, op := range policy.AllowedOperations {
		v.starts[op] = true
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// issue is a blocking finding from one check.
type issue struct {
	code string
	msg  string
}

func fail(code, format string, args ...any) *issue {
	return &issue{code: code, msg: fmt.Sprintf(format, args...)}
}

// Validate runs every check on sql.
//
// # Description
//
// Static checks run first and are pure. The dry run is the only I/O and only
// happens when all static checks passed. Warnings and optimization hints are
// attached to valid results and to results that failed only at the cost
// stage.
//
// # Inputs
//
//   - ctx: Bounds the dry run.
//   - sql: The query text.
//
// # Outputs
//
//   - datatypes.ValidationResult: IsValid is false with exactly one error
//     when a check failed.
//
// # Examples
//
//	res := v.Validate(ctx, "SELECT * FROM pedidos; DROP TABLE pedidos")
//	// res.IsValid == false, res.Errors[0].Code == "MULTIPLE_STATEMENTS"
func (v *Validator) Validate(ctx context.Context, sql string) datatypes.ValidationResult {
	ctx, span := tracer.Start(ctx, "sqlguard.Validate")
	defer span.End()

	res := datatypes.ValidationResult{IsValid: true, Errors: []datatypes.ValidationIssue{}, Warnings: []datatypes.ValidationIssue{}}
	sc := scan(sql)
	toks := lex(sc.masked)

	static := []func() *issue{
		func() *issue { return v.checkStatementStart(sc) },
		func() *issue { return v.checkForbiddenVerbs(sc) },
		func() *issue { return checkInjection(sc) },
		func() *issue { return checkNestedData(sc, toks) },
		func() *issue {
			tables, iss := v.checkTables(toks)
			res.Tables = tables
			return iss
		},
	}
	for _, check := range static {
		if iss := check(); iss != nil {
			return v.reject(ctx, res, iss)
		}
	}

	v.addWarnings(ctx, sc, toks, &res)

	if iss := v.checkCost(ctx, sql, &res); iss != nil {
		return v.reject(ctx, res, iss)
	}

	span.SetAttributes(
		attribute.Bool("sql.valid", true),
		attribute.StringSlice("sql.tables", res.Tables),
	)
	return res
}

func (v *Validator) reject(ctx context.Context, res datatypes.ValidationResult, iss *issue) datatypes.ValidationResult {
	_, span := tracer.Start(ctx, "sqlguard.reject")
	defer span.End()
	span.SetAttributes(attribute.String("sql.error_code", iss.code))

	slog.Debug("SQL rejected", "code", iss.code, "reason", iss.msg)
	res.IsValid = false
	res.Errors = append(res.Errors, datatypes.ValidationIssue{
		Code:     iss.code,
		Message:  iss.msg,
		Severity: datatypes.SeverityError,
	})
	return res
}

// =============================================================================
// Checks
// =============================================================================

func (v *Validator) checkStatementStart(sc scanned) *issue {
	trimmed := strings.TrimSpace(sc.sanitized)
	if trimmed == "" {
		return fail(CodeEmptyQuery, "query is empty")
	}
	first := trimmed
	if idx := strings.IndexFunc(trimmed, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	}); idx >= 0 {
		first = trimmed[:idx]
	}
	if !v.starts[strings.ToUpper(first)] {
		return fail(CodeInvalidStatementStart, "query must start with %s", strings.Join(v.policy.AllowedOperations, " or "))
	}
	return nil
}

func (v *Validator) checkForbiddenVerbs(sc scanned) *issue {
	if loc := v.forbidden.FindStringIndex(sc.sanitized); loc != nil {
		verb := strings.ToUpper(sc.sanitized[loc[0]:loc[1]])
		if semi := midTextSemicolon(sc.masked); semi >= 0 && semi < loc[0] {
			return fail(CodeMultipleStatements, "a second statement (%s) was found after ';'", verb)
		}
		return fail(CodeForbiddenOperation, "forbidden operation %s is not allowed", verb)
	}
	for _, c := range sc.comments {
		if m := v.forbidden.FindString(c); m != "" {
			return fail(CodeForbiddenOperation, "forbidden operation %s found in a comment", strings.ToUpper(m))
		}
	}
	return nil
}

// midTextSemicolon returns the offset of the first semicolon that is followed
// by more than whitespace and semicolons, or -1.
func midTextSemicolon(masked string) int {
	body := strings.TrimRight(masked, " \t\r\n;")
	return strings.IndexByte(body, ';')
}

var (
	operandExpr     = `('(?:[^']|'')*'|"[^"]*"|-?\d+(?:\.\d+)?|[A-Za-z_][\w.]*)`
	tautologyExpr   = regexp.MustCompile(`(?i)\bOR\s+\(?\s*` + operandExpr + `\s*(=|==|<=>|>=|<=|\bLIKE\b)\s*` + operandExpr)
	constantTrue    = regexp.MustCompile(`(?i)\bOR\s+(?:TRUE|NOT\s+FALSE|\d+)\s*(?:\)|;|$|\bAND\b|\bOR\b|\bGROUP\b|\bORDER\b|\bLIMIT\b)`)
	setOperation    = regexp.MustCompile(`(?i)\b(UNION|INTERSECT|EXCEPT)(?:\s+(?:ALL|DISTINCT))?\s*\(?\s*SELECT\b`)
	arrayJoin       = regexp.MustCompile(`(?i)\bJOIN\s+(JSON_EXTRACT_ARRAY|JSON_QUERY_ARRAY|JSON_VALUE_ARRAY|JSON_EXTRACT|JSON_QUERY|ARRAY_CONCAT|ARRAY_AGG|ARRAY|SPLIT|GENERATE_ARRAY)\s*\(`)
	identStart = regexp.MustCompile(`^[A-Za-z_]`)
)

func checkInjection(sc scanned) *issue {
	for _, m := range tautologyExpr.FindAllStringSubmatch(sc.sanitized, -1) {
		left, right := m[1], m[3]
		if identStart.MatchString(left) {
			left, right = strings.ToLower(left), strings.ToLower(right)
		}
		if left == right {
			return fail(CodeInjectionTautology, "tautological predicate %q is not allowed", strings.TrimSpace(m[0]))
		}
	}
	if m := constantTrue.FindString(sc.sanitized); m != "" {
		return fail(CodeInjectionTautology, "constant true predicate %q is not allowed", strings.TrimSpace(m))
	}
	if m := setOperation.FindStringSubmatch(sc.masked); m != nil {
		return fail(CodeInjectionSetOperation, "%s SELECT combinations are not allowed", strings.ToUpper(m[1]))
	}
	if midTextSemicolon(sc.masked) >= 0 {
		return fail(CodeMultipleStatements, "only one statement is allowed; found text after ';'")
	}
	return nil
}

func checkNestedData(sc scanned, toks []token) *issue {
	if m := arrayJoin.FindStringSubmatch(sc.masked); m != nil {
		return fail(CodeInvalidArrayJoin, "JOIN %s(...) is invalid; expand arrays with UNNEST", strings.ToUpper(m[1]))
	}
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].isKeyword("AS") && toks[i+1].kind == tokIdent && strings.Contains(toks[i+1].text, ".") {
			return fail(CodeInvalidAlias, "alias %q must not contain a dot", toks[i+1].text)
		}
	}
	return nil
}

func (v *Validator) checkTables(toks []token) ([]string, *issue) {
	ex := extractTables(toks)

	var tables []string
	seen := make(map[string]bool)
	var used []*TablePolicy
	// names under which a table with restricted columns can be star-projected
	restrictedNames := make(map[string]*TablePolicy)
	for _, ref := range ex.refs {
		if ex.isCTE(ref.name) || v.policy.hasCTEPrefix(ref.name) {
			continue
		}
		if ref.call && v.policy.isFunction(ref.name) {
			continue
		}
		tp, ok := v.policy.lookupTable(ref.name)
		if !ok {
			return tables, fail(CodeUnauthorizedTable, "table %q is not in the allowed table list", ref.name)
		}
		if !seen[tp.Name] {
			seen[tp.Name] = true
			tables = append(tables, tp.Name)
			used = append(used, tp)
		}
		if len(tp.RestrictedColumns) > 0 {
			for _, n := range qualifierNames(ref) {
				restrictedNames[n] = tp
			}
		}
	}

	for _, q := range starProjections(toks) {
		if q == "" {
			for _, tp := range used {
				if len(tp.RestrictedColumns) > 0 {
					return tables, fail(CodeRestrictedColumn, "SELECT * would return restricted columns of table %q; list the columns explicitly", tp.Name)
				}
			}
			continue
		}
		if tp, ok := restrictedNames[q]; ok {
			return tables, fail(CodeRestrictedColumn, "%s.* would return restricted columns of table %q; list the columns explicitly", q, tp.Name)
		}
	}

	for _, tp := range used {
		if len(tp.RestrictedColumns) == 0 {
			continue
		}
		for _, t := range toks {
			if t.kind != tokIdent {
				continue
			}
			col := strings.ToLower(t.text)
			if idx := strings.LastIndexByte(col, '.'); idx >= 0 {
				col = col[idx+1:]
			}
			for _, restricted := range tp.RestrictedColumns {
				if col == restricted {
					return tables, fail(CodeRestrictedColumn, "column %q of table %q is restricted", restricted, tp.Name)
				}
			}
		}
	}
	return tables, nil
}

// qualifierNames lists the lower-case names a column qualifier can use to
// refer to ref: its alias when one was given, otherwise the name as written
// and each of its trailing segment suffixes.
func qualifierNames(ref tableRef) []string {
	if ref.alias != "" {
		return []string{strings.ToLower(ref.alias)}
	}
	parts := strings.Split(strings.ToLower(ref.name), ".")
	names := make([]string, 0, len(parts))
	for i := range parts {
		names = append(names, strings.Join(parts[i:], "."))
	}
	return names
}

func (v *Validator) checkCost(ctx context.Context, sql string, res *datatypes.ValidationResult) *issue {
	if v.dryRunner == nil {
		res.Warnings = append(res.Warnings, warning(WarnDryRunSkipped, "no dry run available; cost was not estimated"))
		return nil
	}
	dr, err := v.dryRunner.DryRun(ctx, sql)
	if err != nil {
		if errors.Is(err, datatypes.ErrSQLSyntax) {
			return fail(CodeSyntaxError, "the warehouse rejected the query syntax: %v", err)
		}
		slog.Warn("Dry run failed, continuing without cost estimate", "error", err)
		res.Warnings = append(res.Warnings, warning(WarnDryRunFailed, fmt.Sprintf("dry run failed: %v", err)))
		return nil
	}

	res.Cost = v.estimate(dr.BytesProcessed)
	if res.Cost.ExceedsConfiguredLimit {
		return fail(CodeBytesLimitExceeded, "query would process %d bytes, above the limit of %d",
			dr.BytesProcessed, v.policy.MaxBytesProcessed)
	}
	return nil
}

const bytesPerTiB = 1 << 40

func (v *Validator) estimate(bytes int64) *datatypes.CostEstimate {
	return &datatypes.CostEstimate{
		BytesProcessed:         bytes,
		EstimatedExecutionMs:   scanMillis(bytes, v.policy.ScanBytesPerSecond),
		EstimatedCostUSD:       float64(bytes) / bytesPerTiB * v.policy.CostPerTiBUSD,
		ExceedsConfiguredLimit: bytes > v.policy.MaxBytesProcessed,
	}
}

// scanMillis is the scan time of bytes at rate bytes per second, saturating
// at math.MaxInt64.
func scanMillis(bytes, rate int64) int64 {
	ms := float64(bytes) / float64(rate) * 1000
	if ms >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(ms)
}

// =============================================================================
// Warnings and Hints
// =============================================================================

func warning(code, msg string) datatypes.ValidationIssue {
	return datatypes.ValidationIssue{Code: code, Message: msg, Severity: datatypes.SeverityWarning}
}

func (v *Validator) addWarnings(ctx context.Context, sc scanned, toks []token, res *datatypes.ValidationResult) {
	hasLimit, hasWhere, hasStar := false, false, false
	for i, t := range toks {
		switch {
		case t.isKeyword("LIMIT"):
			hasLimit = true
		case t.isKeyword("WHERE"):
			hasWhere = true
		case t.kind == tokOther && t.text == "*" && i > 0 && (toks[i-1].isKeyword("SELECT") || toks[i-1].kind == tokComma):
			hasStar = true
		case t.kind == tokIdent && strings.HasSuffix(t.text, ".*"):
			hasStar = true
		}
	}

	if hasStar {
		res.Warnings = append(res.Warnings, warning(WarnSelectStar, "SELECT * reads every column"))
		res.OptimizationHints = append(res.OptimizationHints, "Select only the columns needed for the answer.")
	}
	if !hasLimit {
		res.Warnings = append(res.Warnings, warning(WarnMissingLimit, fmt.Sprintf("no LIMIT clause; results are capped at %d rows", v.policy.MaxRows)))
		res.OptimizationHints = append(res.OptimizationHints, "Add a LIMIT clause to bound the result size.")
	}
	if !hasWhere && len(res.Tables) > 0 {
		res.OptimizationHints = append(res.OptimizationHints, "Filter by a date range to reduce bytes scanned.")
	}

	if !v.syntaxCheck {
		return
	}
	issues, err := parseIssues(ctx, sc.sanitized)
	if err != nil {
		slog.Debug("Advisory SQL parse failed", "error", err)
		return
	}
	if len(issues) > 0 {
		first := issues[0]
		res.Warnings = append(res.Warnings, warning(WarnParseErrorNodes,
			fmt.Sprintf("generic SQL parser reported %d issue(s), first at line %d column %d", len(issues), first.Line, first.Column)))
	}
}
