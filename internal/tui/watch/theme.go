// Package watch implements the live terminal view of a mender daemon. It
// follows /events over SSE and polls /healthz.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
	Progress    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
		Progress:    lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
	}
}

// phaseStyle colours a phase name by what it means for the workspace.
func (t Theme) phaseStyle(phase string) lipgloss.Style {
	switch phase {
	case "idle", "":
		return t.StatusIdle
	case "completed":
		return t.StatusOK
	case "failing", "rolling_back", "cancelling":
		return t.StatusFailed
	default:
		return t.StatusRunning
	}
}
