package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mender/internal/events"
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health      HealthState
	sessions    *Sessions
	triggers    map[string]*TriggerState
	eventLog    []events.Event
	lastEventID int64

	activity Activity
	theme    Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the daemon at apiURL. token needs the
// events:ro scope.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		sessions:  &Sessions{},
		triggers:  make(map[string]*TriggerState),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
	}
}

// Run blocks until the user quits.
func Run(apiURL, token string) error {
	_, err := tea.NewProgram(New(apiURL, token), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.activity.OnEvent(e.At)
		m.sessions.apply(e)
		updateTriggerState(m.triggers, e)
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Phase = msg.Phase
		m.health.SessionID = msg.SessionID
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.apiURL, m.token, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to mender..."
	}

	parts := []string{
		renderHeader(m.health, m.activity, m.theme, m.width),
		renderCurrent(m.sessions.Current, m.health, m.theme, m.width),
		renderCompleted(m.sessions.Completed, m.theme, m.width),
		renderTriggers(m.triggers, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
