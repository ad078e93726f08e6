package ui

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header is the boxed banner printed before a fleet operation: title,
// the invoking command, and the parameters that matter for the run.
type Header struct {
	Title   string            // e.g. "FIRMWARE UPDATE"
	Command string            // e.g. "ilidar-tool update"
	Params  map[string]string // e.g. {"Sensors": "3", "Source": "firmware/"}
	Width   int
}

func NewHeader(title, command string, params map[string]string) *Header {
	return &Header{
		Title:   title,
		Command: command,
		Params:  params,
		Width:   GetTerminalWidth(),
	}
}

func (h *Header) SetWidth(width int) *Header {
	h.Width = width
	return h
}

// Render returns the bordered header box.
func (h *Header) Render() string {
	width := h.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	top := lipgloss.JoinVertical(lipgloss.Left,
		HeaderTitleStyle.Render(strings.ToUpper(h.Title)),
		HeaderCommandStyle.Render(h.Command))

	content := top
	if len(h.Params) > 0 {
		dividerWidth := width - 6
		if dividerWidth < 10 {
			dividerWidth = 10
		}
		divider := RenderHorizontalDivider(dividerWidth, "─")

		keys := make([]string, 0, len(h.Params))
		for key := range h.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		params := make([]string, 0, len(keys))
		for _, key := range keys {
			params = append(params,
				HeaderParamKeyStyle.Render(key+":")+" "+HeaderParamValueStyle.Render(h.Params[key]))
		}

		content = lipgloss.JoinVertical(lipgloss.Left, top, divider, strings.Join(params, "\n"))
	}

	return HeaderBorderStyle(width).Render(content)
}

func (h *Header) String() string {
	return h.Render()
}
