package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mender/internal/events"
)

// Scheduler event types, as published by the daemon's scheduler.
const (
	typeTriggered = "scheduler.triggered"
	typeSkipped   = "scheduler.skipped"
)

// TriggerState tracks what the scheduler last did for one workspace.
type TriggerState struct {
	Workspace string
	Status    string
	Trigger   string
	Reason    string
	Runs      int
	Skips     int
	LastSeen  time.Time
}

func updateTriggerState(triggers map[string]*TriggerState, e events.Event) {
	if triggers == nil || (e.Type != typeTriggered && e.Type != typeSkipped) {
		return
	}
	var data struct {
		Workspace string `json:"workspace"`
		Trigger   string `json:"trigger"`
		Reason    string `json:"reason"`
	}
	if json.Unmarshal(e.Data, &data) != nil || data.Workspace == "" {
		return
	}

	state, ok := triggers[data.Workspace]
	if !ok {
		state = &TriggerState{Workspace: data.Workspace}
		triggers[data.Workspace] = state
	}
	state.Trigger = data.Trigger
	state.LastSeen = e.At
	if e.Type == typeTriggered {
		state.Status = "started"
		state.Reason = ""
		state.Runs++
	} else {
		state.Status = "skipped"
		state.Reason = data.Reason
		state.Skips++
	}
}

func renderTriggers(triggers map[string]*TriggerState, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("SCHEDULER")

	if len(triggers) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title, theme.Dim.Render("  No scheduled runs observed yet..."),
		))
	}

	keys := make([]string, 0, len(triggers))
	for k := range triggers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{title}
	for i, k := range keys {
		if i >= 8 {
			break
		}
		lines = append(lines, renderTriggerRow(triggers[k], theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderTriggerRow(s *TriggerState, theme Theme) string {
	status := theme.StatusRunning.Render("[started]")
	if s.Status == "skipped" {
		status = theme.StatusFailed.Render("[skipped]")
	}
	last := theme.Dim.Render(fmt.Sprintf("%s by %s, runs %d skips %d",
		formatAgo(time.Since(s.LastSeen)), s.Trigger, s.Runs, s.Skips))
	reason := ""
	if s.Reason != "" {
		reason = " " + theme.Dim.Render("reason="+s.Reason)
	}
	return fmt.Sprintf(" %-32s %s %s%s", s.Workspace, status, last, reason)
}

func formatAgo(d time.Duration) string {
	if d < time.Second {
		return "just now"
	}
	return formatDuration(d) + " ago"
}
