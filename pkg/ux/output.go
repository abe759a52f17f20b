// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the analyst CLI.
//
// Every helper writes to an io.Writer and adapts to the current Mode, so the
// same command prints a bordered table on a terminal and tab-separated rows
// when piped.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style

	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),

	TableHeader: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	TableCell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Line Helpers
// =============================================================================

// Title writes a styled title. Machine mode omits it.
func Title(w io.Writer, text string) {
	if GetMode() == ModeMachine {
		return
	}
	fmt.Fprintln(w, Styles.Title.Render(text))
}

// Success writes a success message with checkmark
func Success(w io.Writer, text string) {
	switch GetMode() {
	case ModeMachine:
		fmt.Fprintf(w, "OK: %s\n", text)
	case ModePlain:
		fmt.Fprintf(w, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning writes a warning message
func Warning(w io.Writer, text string) {
	switch GetMode() {
	case ModeMachine:
		fmt.Fprintf(w, "WARN: %s\n", text)
	case ModePlain:
		fmt.Fprintf(w, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error writes an error message
func Error(w io.Writer, text string) {
	switch GetMode() {
	case ModeMachine:
		fmt.Fprintf(w, "ERROR: %s\n", text)
	case ModePlain:
		fmt.Fprintf(w, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Muted writes secondary text. Machine mode omits it.
func Muted(w io.Writer, text string) {
	if GetMode() == ModeMachine {
		return
	}
	fmt.Fprintln(w, Styles.Muted.Render(text))
}

// Field writes one "key: value" line. Machine mode uses a tab separator.
func Field(w io.Writer, key, value string) {
	if GetMode() == ModeMachine {
		fmt.Fprintf(w, "%s\t%s\n", key, value)
		return
	}
	fmt.Fprintf(w, "%s %s\n", Styles.Muted.Render(key+":"), value)
}

// Bullets writes a list. Machine mode writes one item per line.
func Bullets(w io.Writer, items []string) {
	for _, item := range items {
		if GetMode() == ModeMachine {
			fmt.Fprintln(w, item)
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", IconBullet.Render(), item)
	}
}

// Box writes content in a rounded box. Plain and machine modes print the
// title and content without a border.
func Box(w io.Writer, title, content string) {
	switch GetMode() {
	case ModeMachine:
		fmt.Fprintln(w, content)
	case ModePlain:
		if title != "" {
			fmt.Fprintln(w, title)
		}
		fmt.Fprintln(w, content)
	default:
		body := content
		if title != "" {
			body = Styles.Title.Render(title) + "\n" + content
		}
		fmt.Fprintln(w, Styles.Box.Width(boxWidth(content)).Render(body))
	}
}

// WarningBox writes content in a warning-styled box
func WarningBox(w io.Writer, title, content string) {
	if GetMode() != ModeRich {
		fmt.Fprintf(w, "%s: %s\n", title, content)
		return
	}
	titleLine := Styles.Warning.Bold(true).Render(title)
	fmt.Fprintln(w, Styles.WarningBox.Width(boxWidth(content)).Render(titleLine+"\n"+content))
}

func boxWidth(content string) int {
	width := 40
	for _, line := range strings.Split(content, "\n") {
		if n := lipgloss.Width(line) + 4; n > width {
			width = n
		}
	}
	if width > 100 {
		width = 100
	}
	return width
}

// =============================================================================
// Tables
// =============================================================================

// Table renders rows under headers. Rich mode draws a bordered table, the
// other modes emit tab-separated lines with the header first.
//
// # Examples
//
//	fmt.Fprint(w, ux.Table([]string{"uf", "pedidos"}, [][]string{{"SP", "120"}}))
func Table(headers []string, rows [][]string) string {
	if GetMode() != ModeRich {
		var b strings.Builder
		b.WriteString(strings.Join(headers, "\t"))
		b.WriteByte('\n')
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		return b.String()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.TableHeader
			}
			return Styles.TableCell
		})
	return t.String() + "\n"
}
