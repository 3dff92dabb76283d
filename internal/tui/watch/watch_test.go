package watch

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mender/internal/events"
	"github.com/mattjoyce/mender/internal/remediation"
)

func event(t *testing.T, id int64, typ string, data any) events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: raw}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"id: 1",
		"event: state",
		`data: {"phase":"locking"}`,
		"",
		": keepalive",
		"",
		"id: 2",
		"event: progress",
		`data: {"step":"scanning","progress":0.1}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	require.NoError(t, readSSE(strings.NewReader(stream), ch))
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "state", got[0].Type)
	assert.JSONEq(t, `{"phase":"locking"}`, string(got[0].Data))
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, "progress", got[1].Type)
}

func TestSessionsApply(t *testing.T) {
	s := &Sessions{}

	s.apply(event(t, 1, events.TypeState, map[string]string{"phase": "locking"}))
	require.NotNil(t, s.Current)
	assert.Equal(t, "locking", s.Current.Phase)

	s.apply(event(t, 2, events.TypeProgress, map[string]any{"step": "fixing 1/2", "progress": 0.4}))
	assert.Equal(t, "fixing 1/2", s.Current.Step)
	assert.InDelta(t, 0.4, s.Current.Progress, 1e-9)

	s.apply(event(t, 3, events.TypeCompletion, remediation.Result{SessionID: "S1", IssuesFound: 2, FixesApplied: 2}))
	assert.Equal(t, "S1", s.Current.ID)
	assert.Equal(t, "completed", s.Current.Phase)
	assert.Equal(t, 1.0, s.Current.Progress)
	require.Len(t, s.Completed, 1)

	// A new session replaces the current one and keeps history.
	s.apply(event(t, 4, events.TypeState, map[string]string{"phase": "locking"}))
	assert.Equal(t, "locking", s.Current.Phase)
	assert.Empty(t, s.Current.ID)
	assert.Len(t, s.Completed, 1)

	for i := range maxCompleted + 2 {
		s.apply(event(t, int64(10+i), events.TypeCompletion, remediation.Result{SessionID: "X"}))
	}
	assert.Len(t, s.Completed, maxCompleted)

	// Garbage payloads are ignored.
	s.apply(events.Event{Type: events.TypeState, Data: []byte("not json")})
	assert.Equal(t, "completed", s.Current.Phase)
}

func TestUpdateTriggerState(t *testing.T) {
	triggers := map[string]*TriggerState{}
	updateTriggerState(triggers, event(t, 1, typeTriggered, map[string]string{"workspace": "/ws", "trigger": "interval"}))
	updateTriggerState(triggers, event(t, 2, typeSkipped, map[string]string{"workspace": "/ws", "trigger": "watch", "reason": "busy"}))
	updateTriggerState(triggers, event(t, 3, events.TypeState, map[string]string{"phase": "locking"}))
	updateTriggerState(triggers, event(t, 4, typeSkipped, map[string]string{"trigger": "watch"}))

	require.Len(t, triggers, 1)
	st := triggers["/ws"]
	assert.Equal(t, "skipped", st.Status)
	assert.Equal(t, "busy", st.Reason)
	assert.Equal(t, "watch", st.Trigger)
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 1, st.Skips)
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "fixing", describeEvent(event(t, 1, events.TypeState, map[string]string{"phase": "fixing"})))
	assert.Equal(t, " 50% testing", describeEvent(event(t, 2, events.TypeProgress, map[string]any{"step": "testing", "progress": 0.5})))
	assert.Equal(t, "[S1] fixed 1 of 3", describeEvent(event(t, 3, events.TypeCompletion, remediation.Result{SessionID: "S1", IssuesFound: 3, FixesApplied: 1})))
	assert.Equal(t, "/ws (interval)", describeEvent(event(t, 4, typeTriggered, map[string]string{"workspace": "/ws", "trigger": "interval"})))
}

func TestModelUpdateAndView(t *testing.T) {
	m := New("http://127.0.0.1:0", "tok")
	assert.Equal(t, "Connecting to mender...", m.View())

	var model tea.Model = *m
	model, _ = model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model, _ = model.Update(healthMsg{Status: "ok", UptimeSeconds: 90, Phase: "fixing", SessionID: "S9"})
	model, _ = model.Update(eventMsg(event(t, 7, events.TypeState, map[string]string{"phase": "fixing"})))
	model, _ = model.Update(eventMsg(event(t, 8, typeTriggered, map[string]string{"workspace": "/srv/app", "trigger": "watch"})))

	mm := model.(Model)
	assert.Equal(t, int64(8), mm.lastEventID)
	assert.True(t, mm.health.Connected)

	view := mm.View()
	assert.Contains(t, view, "MENDER WATCH")
	assert.Contains(t, view, "fixing")
	assert.Contains(t, view, "/srv/app")
	assert.Contains(t, view, "1m 30s")

	model, _ = model.Update(sseDisconnectedMsg{})
	assert.False(t, model.(Model).health.Connected)
	assert.Contains(t, model.(Model).View(), "reconnecting")

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestActivityDecay(t *testing.T) {
	var a Activity
	now := time.Now()
	a.OnEvent(now)
	assert.Equal(t, 5, a.dots)
	a.Decay(now.Add(3 * time.Second))
	assert.Equal(t, 4, a.dots)
	a.Decay(now.Add(11 * time.Second))
	assert.Equal(t, 0, a.dots)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h 1m", formatDuration(61*time.Minute))
	assert.Equal(t, "just now", formatAgo(0))
	assert.Equal(t, "ok", outcome(remediation.Result{}))
	assert.Equal(t, "reverted", outcome(remediation.Result{Cancelled: true, RolledBack: true}))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))

	theme := NewDefaultTheme()
	bar := renderProgressBar(0.5, 10, theme)
	assert.Equal(t, 5, strings.Count(bar, "█"))
	assert.Equal(t, 5, strings.Count(bar, "░"))
	assert.Equal(t, 10, strings.Count(renderProgressBar(2, 10, theme), "█"))
}
