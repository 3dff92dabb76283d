package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mender/internal/events"
	"github.com/mattjoyce/mender/internal/remediation"
)

// maxCompleted is how many finished sessions the history table keeps.
const maxCompleted = 8

// SessionState is the live view of the running session.
type SessionState struct {
	ID        string
	Phase     string
	Step      string
	Progress  float64
	StartedAt time.Time
	UpdatedAt time.Time
}

// Sessions folds engine events into the current session and a short
// history of finished ones.
type Sessions struct {
	Current   *SessionState
	Completed []remediation.Result
}

func (s *Sessions) apply(e events.Event) {
	switch e.Type {
	case events.TypeState:
		var p struct {
			Phase string `json:"phase"`
		}
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		// Locking is always the first phase of a new session.
		if p.Phase == "locking" || s.Current == nil {
			s.Current = &SessionState{ID: e.SessionID, StartedAt: e.At}
		}
		s.Current.Phase = p.Phase
		s.Current.UpdatedAt = e.At

	case events.TypeProgress:
		var p struct {
			Step     string  `json:"step"`
			Progress float64 `json:"progress"`
		}
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		if s.Current == nil {
			s.Current = &SessionState{ID: e.SessionID, StartedAt: e.At}
		}
		s.Current.Step = p.Step
		s.Current.Progress = p.Progress
		s.Current.UpdatedAt = e.At

	case events.TypeCompletion:
		var r remediation.Result
		if json.Unmarshal(e.Data, &r) != nil {
			return
		}
		s.Completed = append([]remediation.Result{r}, s.Completed...)
		if len(s.Completed) > maxCompleted {
			s.Completed = s.Completed[:maxCompleted]
		}
		if s.Current != nil {
			s.Current.ID = r.SessionID
			s.Current.Phase = remediation.PhaseCompleted.String()
			s.Current.Progress = 1
			s.Current.UpdatedAt = e.At
		}
	}
}

func renderCurrent(s *SessionState, health HealthState, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("SESSION")

	if s == nil {
		body := theme.Dim.Render("  No session observed yet...")
		if health.Phase != "" && health.Phase != "idle" {
			body = fmt.Sprintf("  %s %s", theme.phaseStyle(health.Phase).Render(health.Phase), theme.Dim.Render(health.SessionID))
		}
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
	}

	id := s.ID
	if id == "" {
		id = health.SessionID
	}
	phase := theme.phaseStyle(s.Phase).Render(fmt.Sprintf("%-13s", s.Phase))
	elapsed := s.UpdatedAt.Sub(s.StartedAt)
	if s.Phase != remediation.PhaseCompleted.String() {
		elapsed = time.Since(s.StartedAt)
	}

	barWidth := max(innerWidth-24, 10)
	lines := []string{
		title,
		fmt.Sprintf("  %s %s  %s", phase, theme.Dim.Render(id), formatDuration(elapsed)),
		fmt.Sprintf("  %s %3.0f%%", renderProgressBar(s.Progress, barWidth, theme), s.Progress*100),
	}
	if s.Step != "" {
		lines = append(lines, "  "+theme.Dim.Render(s.Step))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderProgressBar(pct float64, width int, theme Theme) string {
	pct = min(max(pct, 0), 1)
	filled := int(pct * float64(width))
	return theme.Progress.Render(strings.Repeat("█", filled)) + theme.ActivityOff.Render(strings.Repeat("░", width-filled))
}

func renderCompleted(results []remediation.Result, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("RECENT SESSIONS")
	if len(results) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title, theme.Dim.Render("  Nothing finished yet..."),
		))
	}

	rows := make([]table.Row, 0, len(results))
	for _, r := range results {
		rows = append(rows, table.Row{
			shortID(r.SessionID),
			string(r.Mode),
			outcome(r),
			fmt.Sprintf("%d/%d", r.FixesApplied, r.IssuesFound),
			formatDuration(r.Duration),
			r.Workspace,
		})
	}
	wsWidth := max(innerWidth-70, 12)
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "SESSION", Width: 12},
			{Title: "MODE", Width: 15},
			{Title: "OUTCOME", Width: 12},
			{Title: "FIXED", Width: 7},
			{Title: "TOOK", Width: 8},
			{Title: "WORKSPACE", Width: wsWidth},
		}),
		table.WithRows(rows),
		table.WithHeight(len(rows)+1),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Foreground(lipgloss.Color("#61AFEF")).Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}

func outcome(r remediation.Result) string {
	switch {
	case r.RollbackFailed:
		return "rollback!"
	case r.Error != "":
		return "aborted"
	case r.Cancelled && r.RolledBack:
		return "reverted"
	case r.Cancelled:
		return "cancelled"
	case r.Unresolved > 0:
		return "unresolved"
	default:
		return "ok"
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
