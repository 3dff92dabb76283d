package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Phase         string
	SessionID     string
	Connected     bool
	LastCheck     time.Time
}

// Activity lights up on events and fades over ten seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.dots = 5
	a.lastEvent = at
}

// Decay fades the dots based on time since the last event.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	a.dots = max(0, 5-int(elapsed/(2*time.Second)))
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	status := theme.StatusOK.Render("CONNECTED")
	if !health.Connected {
		status = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		status = theme.StatusFailed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := " MENDER WATCH"
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	phase := health.Phase
	if phase == "" {
		phase = "unknown"
	}
	statsLine := fmt.Sprintf(" %s  up %s  engine: %s",
		status,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		theme.phaseStyle(health.Phase).Render(phase),
	)

	lastEvent := "never"
	if !activity.lastEvent.IsZero() {
		lastEvent = formatAgo(time.Since(activity.lastEvent).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleLine, statsLine, activityLine,
	))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
