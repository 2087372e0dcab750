// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

// Styles for human-mode output. Colors degrade automatically on dumb
// terminals via termenv's profile detection.
var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// colorEnabled reports whether stdout supports color at all.
func colorEnabled() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

// PrintTitle writes a section title line.
func PrintTitle(title string) {
	if colorEnabled() {
		fmt.Println(titleStyle.Render(title))
	} else {
		fmt.Println(title)
	}
}

// PrintTable renders rows under headers with the standard border
// style.
func PrintTable(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Println(t)
}

// Errorf writes a human-readable error line to stderr. No stack
// traces cross the CLI boundary.
func Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
