// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// Report colors. Attention rows are those a user should check: classes that differ between checkpoints,
// head parameters left untouched by mixing, stages skipped in the current mode, NaN statistics.
const (
	borderColor    = lipgloss.Color("99")
	attentionColor = lipgloss.Color("9")
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	headerStyle    = cellStyle.Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	stripeStyle    = cellStyle.Faint(true)
	attentionStyle = cellStyle.Foreground(attentionColor).Bold(true)
)

// reportTable renders the reports of the commands: striped rows, with attention rows in color.
type reportTable struct {
	table      *lgtable.Table
	alignments []lipgloss.Position
	attention  []bool
}

// newReportTable creates a table. alignments are given per column, the last one applies to the remaining
// columns. Without alignments, columns are left aligned.
func newReportTable(alignments ...lipgloss.Position) *reportTable {
	t := &reportTable{alignments: alignments}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(t.style)
	return t
}

func (t *reportTable) style(row, col int) lipgloss.Style {
	if row < 0 {
		return headerStyle
	}
	s := cellStyle
	if row < len(t.attention) && t.attention[row] {
		s = attentionStyle
	} else if row%2 == 1 {
		s = stripeStyle
	}
	return s.Align(t.alignment(col))
}

func (t *reportTable) alignment(col int) lipgloss.Position {
	switch {
	case len(t.alignments) == 0:
		return lipgloss.Left
	case col >= len(t.alignments):
		return t.alignments[len(t.alignments)-1]
	}
	return t.alignments[col]
}

// Headers sets the column headers.
func (t *reportTable) Headers(headers ...string) *reportTable {
	t.table.Headers(headers...)
	return t
}

// Row appends a row. attention marks it for the user to check.
func (t *reportTable) Row(attention bool, cells ...string) {
	t.attention = append(t.attention, attention)
	t.table.Row(cells...)
}

// Print the table, preceded by the title if not empty.
func (t *reportTable) Print(w io.Writer, title string) {
	if title != "" {
		_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	}
	_, _ = fmt.Fprintln(w, t.table.Render())
}
