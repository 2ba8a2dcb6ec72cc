// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// Rackbook palette - warm copper and steel
var (
	colorCopper  = lipgloss.Color("#D98E4A") // primary accent
	colorBrass   = lipgloss.Color("#C9A227") // highlights
	colorSteel   = lipgloss.Color("#8A9BA8") // muted text
	colorSuccess = lipgloss.Color("#5FB376")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	ConflictBox lipgloss.Style
	ValueBox    lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorCopper),
	Label:   lipgloss.NewStyle().Bold(true).Foreground(colorBrass),
	Muted:   lipgloss.NewStyle().Foreground(colorSteel),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),

	ConflictBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorWarning).
		Padding(0, 1),
	ValueBox: lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(colorSteel).
		Padding(0, 1).
		Width(44),
}

// stdoutIsTerminal gates the boxed banner rendering: piped output gets a
// plain listing instead.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func successf(format string, args ...any) {
	fmt.Println(styles.Success.Render(fmt.Sprintf(format, args...)))
}

func warnf(format string, args ...any) {
	fmt.Println(styles.Warning.Render(fmt.Sprintf(format, args...)))
}

func errorf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, styles.Error.Render(fmt.Sprintf(format, args...)))
}

// renderConflictBanner draws the side-by-side conflict view: your version
// next to the saved one, with the resolution choices underneath.
func renderConflictBanner(conflicts datatypes.ConflictsResponse) string {
	if !conflicts.HasConflicts {
		return styles.Muted.Render("No conflicts.")
	}
	if !stdoutIsTerminal() {
		return renderConflictsPlain(conflicts)
	}

	out := styles.Warning.Render(fmt.Sprintf(
		"⚠ %d field(s) changed while you were editing (record version %d)",
		conflicts.ConflictCount, conflicts.RecordVersion,
	)) + "\n"

	for _, c := range conflicts.Conflicts {
		yours := styles.ValueBox.Render(
			styles.Label.Render("Your version") + "\n" + c.YourVersion.Preview,
		)
		server := styles.ValueBox.Render(
			styles.Label.Render("Saved version") + "\n" + c.ServerVersion.Preview,
		)
		body := styles.Title.Render(c.FieldLabel) + "  " +
			styles.Muted.Render(string(c.ConflictType)) + "\n" +
			lipgloss.JoinHorizontal(lipgloss.Top, yours, " ", server) + "\n"

		choices := "Choices: "
		for i, s := range c.Suggestions {
			if i > 0 {
				choices += styles.Muted.Render(" | ")
			}
			choices += styles.Label.Render(string(s.ID)) + " " + styles.Muted.Render(s.Label)
		}
		out += styles.ConflictBox.Render(body+choices) + "\n"
	}
	out += styles.Muted.Render("Resolve with: racksync resolve <record-id> <field>=<choice> ...")
	return out
}

func renderConflictsPlain(conflicts datatypes.ConflictsResponse) string {
	out := fmt.Sprintf("%d conflict(s), record version %d\n",
		conflicts.ConflictCount, conflicts.RecordVersion)
	for _, c := range conflicts.Conflicts {
		out += fmt.Sprintf("%s (%s)\n  yours:  %s\n  server: %s\n",
			c.Field, c.ConflictType, c.YourVersion.Preview, c.ServerVersion.Preview)
	}
	return out
}
