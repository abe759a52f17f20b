// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode defines how rich the CLI output is.
type Mode string

const (
	// ModeRich enables colors, icons, boxes and bordered tables.
	ModeRich Mode = "rich"

	// ModePlain keeps icons and layout but no boxes.
	ModePlain Mode = "plain"

	// ModeMachine outputs tab-separated text suitable for scripting.
	ModeMachine Mode = "machine"
)

// ModeEnv overrides terminal detection.
const ModeEnv = "ANALYST_OUTPUT"

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// GetMode returns the current output mode.
func GetMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode updates the current output mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a string to Mode. Unknown values yield ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "r":
		return ModeRich
	case "plain", "minimal", "p":
		return ModePlain
	case "machine", "quiet", "q", "tsv":
		return ModeMachine
	default:
		return ModePlain
	}
}

// InitMode picks the mode from ANALYST_OUTPUT or, when unset, from whether
// stdout is a terminal.
func InitMode() Mode {
	m := DetectMode(os.Getenv(ModeEnv), os.Stdout)
	SetMode(m)
	return m
}

// DetectMode returns ParseMode(env) when env is set, ModeRich when f is a
// terminal and ModeMachine otherwise.
func DetectMode(env string, f *os.File) Mode {
	if env != "" {
		return ParseMode(env)
	}
	if IsTerminal(f) {
		return ModeRich
	}
	return ModeMachine
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
