package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mender/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeCompletion:
		typeStyle = theme.StatusOK
	case events.TypeState:
		typeStyle = theme.StatusRunning
	case typeTriggered, typeSkipped:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent summarises an event payload in one line.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	switch e.Type {
	case events.TypeState:
		if phase, ok := data["phase"].(string); ok {
			parts = append(parts, phase)
		}
	case events.TypeProgress:
		if pct, ok := data["progress"].(float64); ok {
			parts = append(parts, fmt.Sprintf("%3.0f%%", pct*100))
		}
		if step, ok := data["step"].(string); ok && step != "" {
			parts = append(parts, step)
		}
	case events.TypeCompletion:
		if id, ok := data["session_id"].(string); ok {
			parts = append(parts, "["+shortID(id)+"]")
		}
		found, _ := data["issues_found"].(float64)
		fixed, _ := data["fixes_applied"].(float64)
		parts = append(parts, fmt.Sprintf("fixed %d of %d", int(fixed), int(found)))
		if msg, ok := data["error"].(string); ok && msg != "" {
			parts = append(parts, msg)
		}
	default:
		if ws, ok := data["workspace"].(string); ok {
			parts = append(parts, ws)
		}
		if trigger, ok := data["trigger"].(string); ok {
			parts = append(parts, "("+trigger+")")
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
