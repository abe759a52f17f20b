// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// withMode runs f under mode and restores the previous mode.
func withMode(t *testing.T, mode Mode, f func()) {
	t.Helper()
	prev := GetMode()
	SetMode(mode)
	defer SetMode(prev)
	f()
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"rich", ModeRich},
		{"FULL", ModeRich},
		{"plain", ModePlain},
		{"minimal", ModePlain},
		{"machine", ModeMachine},
		{" tsv ", ModeMachine},
		{"sparkly", ModePlain},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseMode(tt.in); got != tt.want {
				t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDetectMode(t *testing.T) {
	if got := DetectMode("plain", nil); got != ModePlain {
		t.Errorf("env override = %v, want plain", got)
	}
	if got := DetectMode("", nil); got != ModeMachine {
		t.Errorf("no terminal = %v, want machine", got)
	}

	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := DetectMode("", f); got != ModeMachine {
		t.Errorf("regular file = %v, want machine", got)
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestMessages_Machine(t *testing.T) {
	withMode(t, ModeMachine, func() {
		var buf bytes.Buffer
		Title(&buf, "hidden")
		Muted(&buf, "hidden")
		Success(&buf, "saved")
		Warning(&buf, "slow")
		Error(&buf, "failed")

		want := "OK: saved\nWARN: slow\nERROR: failed\n"
		if buf.String() != want {
			t.Errorf("machine output = %q, want %q", buf.String(), want)
		}
	})
}

func TestMessages_Plain(t *testing.T) {
	withMode(t, ModePlain, func() {
		var buf bytes.Buffer
		Success(&buf, "saved")
		Error(&buf, "failed")

		out := buf.String()
		if !strings.Contains(out, "✓ saved") || !strings.Contains(out, "✗ failed") {
			t.Errorf("plain output = %q", out)
		}
	})
}

func TestField(t *testing.T) {
	withMode(t, ModeMachine, func() {
		var buf bytes.Buffer
		Field(&buf, "conversation", "c1")
		if buf.String() != "conversation\tc1\n" {
			t.Errorf("machine field = %q", buf.String())
		}
	})
	withMode(t, ModePlain, func() {
		var buf bytes.Buffer
		Field(&buf, "conversation", "c1")
		if !strings.Contains(buf.String(), "conversation:") || !strings.Contains(buf.String(), "c1") {
			t.Errorf("plain field = %q", buf.String())
		}
	})
}

func TestBullets(t *testing.T) {
	withMode(t, ModeRich, func() {
		var buf bytes.Buffer
		Bullets(&buf, []string{"E por categoria?", "E em fevereiro?"})
		if strings.Count(buf.String(), "•") != 2 {
			t.Errorf("bullets = %q", buf.String())
		}
	})
}

func TestBox(t *testing.T) {
	withMode(t, ModeRich, func() {
		var buf bytes.Buffer
		Box(&buf, "Answer", "Result: 42")
		if !strings.Contains(buf.String(), "Answer") || !strings.Contains(buf.String(), "Result: 42") {
			t.Errorf("box = %q", buf.String())
		}
	})
	withMode(t, ModeMachine, func() {
		var buf bytes.Buffer
		Box(&buf, "Answer", "Result: 42")
		if buf.String() != "Result: 42\n" {
			t.Errorf("machine box = %q", buf.String())
		}
	})
}

// =============================================================================
// Table Tests
// =============================================================================

func TestTable_Machine(t *testing.T) {
	withMode(t, ModeMachine, func() {
		got := Table([]string{"uf", "pedidos"}, [][]string{{"SP", "120"}, {"RJ", "80"}})
		want := "uf\tpedidos\nSP\t120\nRJ\t80\n"
		if got != want {
			t.Errorf("Table() = %q, want %q", got, want)
		}
	})
}

func TestTable_Rich(t *testing.T) {
	withMode(t, ModeRich, func() {
		got := Table([]string{"uf", "pedidos"}, [][]string{{"SP", "120"}})
		for _, want := range []string{"uf", "pedidos", "SP", "120", "╭"} {
			if !strings.Contains(got, want) {
				t.Errorf("rich table missing %q:\n%s", want, got)
			}
		}
	})
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconArrow, IconBullet} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render(%q) lost the glyph", icon)
		}
	}
}
