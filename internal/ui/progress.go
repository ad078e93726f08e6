package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// StepStatus is the display state of one step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepComplete
	StepFailed
	StepSkipped
)

// StepCallback reports one step's status change. Operations running
// many sensors concurrently may invoke it for any step in any order.
type StepCallback func(stepNumber int, name string, status StepStatus, message string)

// Step is one line in the progress display, typically one sensor's
// update session or one phase of a fleet operation.
type Step struct {
	Number  int
	Name    string
	Status  StepStatus
	Message string // transient note, e.g. "chunk 96/256" or "safe-boot confirmed"
}

// Progress tracks a bar plus a step list for a fleet operation. Steps
// complete in whatever order the sensors finish.
type Progress struct {
	Label   string
	Steps   []Step
	Current int
	Total   int
	Percent float64
	Width   int

	bar progress.Model
}

func NewProgress(label string, totalSteps int) *Progress {
	steps := make([]Step, totalSteps)
	for i := range steps {
		steps[i] = Step{Number: i + 1, Status: StepPending}
	}
	return &Progress{
		Label: label,
		Steps: steps,
		Total: totalSteps,
		Width: GetTerminalWidth(),
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// SetWidth resizes the bar to the terminal, keeping room for the
// percentage and step counter.
func (p *Progress) SetWidth(width int) *Progress {
	p.Width = width
	barWidth := width - 20
	if barWidth < 20 {
		barWidth = 20
	} else if barWidth > 50 {
		barWidth = 50
	}
	p.bar = progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth))
	return p
}

func (p *Progress) SetStepNames(names []string) *Progress {
	for i, name := range names {
		if i < len(p.Steps) {
			p.Steps[i].Name = name
		}
	}
	return p
}

// UpdateStep records a status change and refreshes the completion
// percentage. Out-of-range step numbers are ignored.
func (p *Progress) UpdateStep(stepNumber int, status StepStatus, message string) {
	if stepNumber < 1 || stepNumber > len(p.Steps) {
		return
	}
	p.Steps[stepNumber-1].Status = status
	p.Steps[stepNumber-1].Message = message

	if status == StepRunning {
		p.Current = stepNumber
		return
	}
	settled := 0
	for _, s := range p.Steps {
		if s.Status == StepComplete || s.Status == StepSkipped {
			settled++
		}
	}
	p.Percent = float64(settled) / float64(p.Total)
}

// Render returns the bar line followed by every step line.
func (p *Progress) Render() string {
	var b strings.Builder
	if p.Label != "" {
		b.WriteString(ProgressLabelStyle.Render(p.Label))
		b.WriteString("\n\n")
	}

	bar := fmt.Sprintf("%s  %3.0f%%  [%d/%d]",
		p.bar.ViewAs(p.Percent), p.Percent*100, p.Current, p.Total)
	b.WriteString(ProgressBarStyle().Render(bar))
	b.WriteString("\n\n")

	for i, step := range p.Steps {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.renderStepLine(step))
	}
	return b.String()
}

func (p *Progress) stepStyle(status StepStatus) (marker string, style lipgloss.Style) {
	switch status {
	case StepComplete:
		return StepMarkerComplete, StepCompleteStyle
	case StepRunning:
		return StepMarkerRunning, StepRunningStyle
	case StepFailed:
		return FailureMarker, ErrorTitleStyle
	case StepSkipped:
		return "⊘", StepPendingStyle
	default:
		return StepMarkerPending, StepPendingStyle
	}
}

// renderStepLine renders "  [3/8] Sensor 456 ... ✓  (1.5.2 -> 1.5.3)"
// with the marker at a fixed column so concurrent sessions line up.
func (p *Progress) renderStepLine(step Step) string {
	marker, style := p.stepStyle(step.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "  [%d/%d] ", step.Number, p.Total)
	b.WriteString(style.Render(step.Name))

	pad := 45 - lipgloss.Width(step.Name)
	if pad < 1 {
		pad = 1
	}
	b.WriteString(strings.Repeat(" ", pad))
	b.WriteString(style.Render(marker))

	if step.Message != "" {
		b.WriteString("  ")
		b.WriteString(StepNoteStyle.Render("(" + step.Message + ")"))
	}
	return b.String()
}

func (p *Progress) String() string {
	return p.Render()
}
