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
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/intent"
)

// TableContent is the payload of a table or chart answer.
type TableContent struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	TotalRows int              `json:"totalRows"`
	Truncated bool             `json:"truncated"`
}

// =============================================================================
// Result Shaping
// =============================================================================

// shapeResult converts a warehouse result into the response payload.
//
// # Description
//
// A single row with a single column is a scalar. Everything else is a table,
// truncated to maxRows. A two-column table is returned as a chart when the
// client prefers charts.
func shapeResult(res *datatypes.QueryResult, maxRows int, preferred string) *datatypes.ResultData {
	if res == nil {
		return nil
	}
	if len(res.Rows) == 1 && len(res.Columns) == 1 {
		return &datatypes.ResultData{
			Type:    datatypes.DataTypeScalar,
			Content: res.Rows[0][res.Columns[0]],
		}
	}

	rows := res.Rows
	truncated := res.Truncated
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}
	total := res.TotalRows
	if total < len(res.Rows) {
		total = len(res.Rows)
	}
	content := TableContent{
		Columns:   append([]string(nil), res.Columns...),
		Rows:      rows,
		TotalRows: total,
		Truncated: truncated,
	}

	dt := datatypes.DataTypeTable
	if strings.EqualFold(preferred, string(datatypes.DataTypeChart)) && len(res.Columns) == 2 && len(rows) > 0 {
		dt = datatypes.DataTypeChart
	}
	return &datatypes.ResultData{Type: dt, Content: content}
}

// renderRows writes a plain answer when the synthesizer is unavailable.
//
// Label/value tables use the ranked line format so that follow-up questions
// can still be narrowed from the stored text.
func renderRows(res *datatypes.QueryResult, lang intent.Lang) string {
	if res == nil || len(res.Rows) == 0 {
		return localized(lang, "Nenhum resultado encontrado para essa pergunta.", "No results were found for this question.")
	}
	if len(res.Rows) == 1 && len(res.Columns) == 1 {
		return fmt.Sprintf(localized(lang, "Resultado: **%s**", "Result: **%s**"), formatValue(res.Rows[0][res.Columns[0]]))
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf(localized(lang, "Resultado (%d linhas):", "Result (%d rows):"), len(res.Rows)))
	b.WriteString("\n")
	for i, row := range res.Rows {
		if len(res.Columns) == 2 && isNumeric(row[res.Columns[1]]) {
			fmt.Fprintf(&b, "%d. **%s** - %s\n", i+1, formatValue(row[res.Columns[0]]), formatValue(row[res.Columns[1]]))
			continue
		}
		parts := make([]string, 0, len(res.Columns))
		for _, col := range res.Columns {
			parts = append(parts, col+": "+formatValue(row[col]))
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case float32:
		return formatValue(float64(x))
	default:
		return fmt.Sprint(x)
	}
}

func localized(lang intent.Lang, pt, en string) string {
	if lang == intent.LangEN {
		return en
	}
	return pt
}

// =============================================================================
// Error Messages
// =============================================================================

// Codes used for failures that do not come from the validator.
const (
	codeTimeout          = "TIMEOUT"
	codeInternal         = "INTERNAL"
	codeGenerationFailed = "GENERATION_FAILED"
	codeNoSQL            = "NO_SQL_PRODUCED"
	codeExecutionFailed  = "EXECUTION_FAILED"
	codeSensitiveData    = "SENSITIVE_DATA"
)

// errorMessage returns the user-facing text for a failure. It never includes
// provider error details.
func errorMessage(kind datatypes.ErrorKind, code string, lang intent.Lang) string {
	if code == codeTimeout {
		return localized(lang,
			"A pergunta demorou demais para ser respondida. Tente restringir o período ou simplificar a pergunta.",
			"The question took too long to answer. Try narrowing the period or simplifying the question.")
	}
	switch kind {
	case datatypes.ErrorKindPolicy:
		return localized(lang,
			"Sua mensagem parece conter credenciais ou dados sensíveis e não foi processada. Remova essas informações e tente novamente.",
			"Your message appears to contain credentials or sensitive data and was not processed. Remove them and try again.")
	case datatypes.ErrorKindValidation:
		return fmt.Sprintf(localized(lang,
			"Não consegui montar uma consulta segura para essa pergunta (%s). Tente reformulá-la.",
			"I could not build a safe query for this question (%s). Please rephrase it."), code)
	case datatypes.ErrorKindSyntax:
		return localized(lang,
			"A consulta gerada continha um erro de sintaxe. Tente reformular a pergunta.",
			"The generated query had a syntax error. Please rephrase the question.")
	case datatypes.ErrorKindResourceLimit:
		return localized(lang,
			"Essa consulta processaria dados demais. Restrinja o período ou adicione filtros.",
			"This query would scan too much data. Narrow the period or add filters.")
	case datatypes.ErrorKindExecution:
		return localized(lang,
			"O banco de dados não conseguiu executar a consulta. Tente novamente mais tarde ou reformule a pergunta.",
			"The warehouse could not run the query. Try again later or rephrase the question.")
	case datatypes.ErrorKindGeneration:
		return localized(lang,
			"Não consegui transformar a pergunta em uma consulta. Tente ser mais específico.",
			"I could not turn the question into a query. Try being more specific.")
	default:
		return localized(lang,
			"Ocorreu um erro inesperado ao processar sua pergunta. Tente novamente.",
			"An unexpected error occurred while processing your question. Please try again.")
	}
}

// =============================================================================
// Suggestions
// =============================================================================

var (
	conversationalSuggestions = map[intent.Lang][]string{
		intent.LangPT: {
			"Quais foram os 5 produtos mais vendidos no último mês?",
			"Qual foi o faturamento total do último mês?",
			"Quais categorias têm as melhores avaliações?",
		},
		intent.LangEN: {
			"What were the top 5 best-selling products last month?",
			"What was the total revenue last month?",
			"Which categories have the best reviews?",
		},
	}
	rankingSuggestions = map[intent.Lang][]string{
		intent.LangPT: {
			"Qual foi o segundo colocado?",
			"Mostre apenas os 3 primeiros",
			"Compare com o mês anterior",
		},
		intent.LangEN: {
			"Which one came second?",
			"Show only the top 3",
			"Compare with the previous month",
		},
	}
	analyticalSuggestions = map[intent.Lang][]string{
		intent.LangPT: {
			"Compare com o mês anterior",
			"Quebre o resultado por categoria",
			"Mostre a evolução mensal",
		},
		intent.LangEN: {
			"Compare with the previous month",
			"Break the result down by category",
			"Show the monthly trend",
		},
	}
	errorSuggestions = map[intent.Lang][]string{
		intent.LangPT: {
			"Informe um período específico, por exemplo: janeiro de 2025",
			"Pergunte sobre vendas, pedidos, produtos ou clientes",
		},
		intent.LangEN: {
			"Name a specific period, for example: January 2025",
			"Ask about sales, orders, products or customers",
		},
	}
)

func suggestionsFor(set map[intent.Lang][]string, lang intent.Lang) []string {
	s, ok := set[lang]
	if !ok {
		s = set[intent.LangPT]
	}
	return append([]string(nil), s...)
}
