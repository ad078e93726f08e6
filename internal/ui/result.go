package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ResultType selects the box color and banner.
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
	ResultWarning
)

// Result is the boxed outcome summary printed after an operation.
type Result struct {
	Type    ResultType
	Title   string
	Details map[string]string
	// Error and Troubleshooting are rendered for failure results only.
	Error           error
	Troubleshooting []string
	Width           int
}

func NewSuccessResult(title string, details map[string]string) *Result {
	return &Result{Type: ResultSuccess, Title: title, Details: details, Width: GetTerminalWidth()}
}

func NewFailureResult(title string, err error, troubleshooting []string) *Result {
	return &Result{Type: ResultFailure, Title: title, Error: err, Troubleshooting: troubleshooting, Width: GetTerminalWidth()}
}

func NewWarningResult(title string, details map[string]string) *Result {
	return &Result{Type: ResultWarning, Title: title, Details: details, Width: GetTerminalWidth()}
}

func (r *Result) SetWidth(width int) *Result {
	r.Width = width
	return r
}

func (r *Result) AddDetail(key, value string) *Result {
	if r.Details == nil {
		r.Details = make(map[string]string)
	}
	r.Details[key] = value
	return r
}

func (r *Result) banner() (string, lipgloss.Style) {
	switch r.Type {
	case ResultFailure:
		return FailureMarker + "  FAILED", ErrorTitleStyle
	case ResultWarning:
		return "⚠  WARNING", lipgloss.NewStyle().Foreground(WarningColor).Bold(true)
	default:
		return SuccessMarker + "  SUCCESS", SuccessTitleStyle
	}
}

func (r *Result) boxStyle(width int) lipgloss.Style {
	switch r.Type {
	case ResultFailure:
		return ErrorBoxStyle(width)
	case ResultWarning:
		return WarningBoxStyle(width)
	default:
		return SuccessBoxStyle(width)
	}
}

// Render returns the double-bordered result box.
func (r *Result) Render() string {
	width := r.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	banner, bannerStyle := r.banner()
	lines := []string{bannerStyle.Render(fmt.Sprintf("   %s  ─  %s", banner, r.Title))}

	if r.Error != nil {
		lines = append(lines, "", ErrorMessageStyle.Render("   Error: "+r.Error.Error()))
	}

	// Details print in key order so repeated runs compare cleanly.
	keys := make([]string, 0, len(r.Details))
	for key := range r.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		lines = append(lines, "")
		for _, key := range keys {
			lines = append(lines,
				ResultKeyStyle.Render("   "+key+":")+" "+ResultValueStyle.Render(r.Details[key]))
		}
	}

	if len(r.Troubleshooting) > 0 {
		lines = append(lines, "", r.renderTroubleshooting(width))
	}

	return r.boxStyle(width).Render(strings.Join(lines, "\n"))
}

func (r *Result) renderTroubleshooting(width int) string {
	lines := []string{TroubleshootingTitleStyle.Render("Troubleshooting:"), ""}
	for _, tip := range r.Troubleshooting {
		lines = append(lines, TroubleshootingItemStyle.Render("  • "+tip))
	}
	return TroubleshootingBoxStyle(width).
		MarginLeft(3).
		Render(strings.Join(lines, "\n"))
}

func (r *Result) String() string {
	return r.Render()
}
