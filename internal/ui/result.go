package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ResultType indicates success or failure
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
)

// Result is the box printed when a one-shot command finishes
type Result struct {
	Type            ResultType
	Title           string
	Details         []Param
	Error           error
	Troubleshooting []string
	Width           int
}

// NewSuccessResult creates a success box
func NewSuccessResult(title string, details ...Param) *Result {
	return &Result{
		Type:    ResultSuccess,
		Title:   title,
		Details: details,
		Width:   GetTerminalWidth(),
	}
}

// NewFailureResult creates a failure box
func NewFailureResult(title string, err error, troubleshooting ...string) *Result {
	return &Result{
		Type:            ResultFailure,
		Title:           title,
		Error:           err,
		Troubleshooting: troubleshooting,
		Width:           GetTerminalWidth(),
	}
}

// SetWidth overrides the render width
func (r *Result) SetWidth(width int) *Result {
	r.Width = width
	return r
}

// Render returns the styled box
func (r *Result) Render() string {
	width := r.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	var lines []string
	color := SuccessColor

	switch r.Type {
	case ResultFailure:
		color = ErrorColor
		lines = append(lines, ErrorTitleStyle.Render(fmt.Sprintf("%s  FAILED  ─  %s", FailureMarker, r.Title)))
		if r.Error != nil {
			lines = append(lines, "", ErrorMessageStyle.Render("Error: "+r.Error.Error()))
		}
		if len(r.Troubleshooting) > 0 {
			lines = append(lines, "")
			for _, tip := range r.Troubleshooting {
				lines = append(lines, TroubleshootingItemStyle.Render("• "+tip))
			}
		}
	default:
		lines = append(lines, SuccessTitleStyle.Render(fmt.Sprintf("%s  %s", SuccessMarker, r.Title)))
		if len(r.Details) > 0 {
			lines = append(lines, "")
		}
		for _, d := range r.Details {
			lines = append(lines, ResultKeyStyle.Render(d.Key+":")+" "+ResultValueStyle.Render(d.Value))
		}
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Width(width-2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (r *Result) String() string {
	return r.Render()
}

// RenderSuccess renders a success box
func RenderSuccess(title string, details ...Param) string {
	return NewSuccessResult(title, details...).Render()
}

// RenderFailure renders a failure box with troubleshooting tips
func RenderFailure(title string, err error, troubleshooting ...string) string {
	return NewFailureResult(title, err, troubleshooting...).Render()
}
