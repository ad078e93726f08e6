package ui

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table represents a boxed sensor listing, used for discovery and info
// output.
type Table struct {
	Title   string     // e.g., "DISCOVERED SENSORS"
	Columns []string   // Column headings
	Rows    [][]string // Row cells, same arity as Columns
	Width   int        // Terminal width
	MaxRows int        // Maximum rows to display (0 = unlimited)
}

// NewTable creates a new table with the given title and columns.
func NewTable(title string, columns ...string) *Table {
	return &Table{
		Title:   title,
		Columns: columns,
		Width:   GetTerminalWidth(),
	}
}

// SetWidth sets the terminal width for responsive rendering
func (t *Table) SetWidth(width int) *Table {
	t.Width = width
	return t
}

// SetMaxRows limits the number of rows displayed
func (t *Table) SetMaxRows(max int) *Table {
	t.MaxRows = max
	return t
}

// AddRow appends one row. Short rows are padded with empty cells.
func (t *Table) AddRow(cells ...string) *Table {
	for len(cells) < len(t.Columns) {
		cells = append(cells, "")
	}
	t.Rows = append(t.Rows, cells)
	return t
}

// columnWidths computes the display width of each column from its
// heading and every cell.
func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		widths[i] = lipgloss.Width(col)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	return widths
}

func padCell(cell string, width int) string {
	if pad := width - lipgloss.Width(cell); pad > 0 {
		return cell + strings.Repeat(" ", pad)
	}
	return cell
}

// Render returns the styled table box as a string
func (t *Table) Render() string {
	width := t.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	rows := t.Rows
	truncated := false
	if t.MaxRows > 0 && len(rows) > t.MaxRows {
		rows = rows[:t.MaxRows]
		truncated = true
	}

	widths := t.columnWidths()

	var headCells []string
	for i, col := range t.Columns {
		headCells = append(headCells, padCell(col, widths[i]))
	}
	head := TableTitleStyle.Render(strings.Join(headCells, "  "))

	var lines []string
	for _, row := range rows {
		var cells []string
		for i, cell := range row {
			if i < len(widths) {
				cells = append(cells, padCell(cell, widths[i]))
			}
		}
		lines = append(lines, TableContentStyle.Render(strings.Join(cells, "  ")))
	}
	if truncated {
		lines = append(lines, StepNoteStyle.Render("... ("+strconv.Itoa(len(t.Rows)-t.MaxRows)+" more)"))
	}

	titleStyled := TableTitleStyle.Render(t.Title)
	inner := lipgloss.JoinVertical(lipgloss.Left, titleStyled, "", head, strings.Join(lines, "\n"))

	return TableBoxStyle(width).MarginLeft(2).Render(inner)
}

// String implements fmt.Stringer
func (t *Table) String() string {
	return t.Render()
}
