package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/mender/internal/events"
)

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Phase         string `json:"phase"`
	SessionID     string `json:"session_id"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

// maxEventBytes bounds one SSE line; completion payloads carry every issue.
const maxEventBytes = 4 << 20

// subscribeToEvents connects to /events, resuming after lastID, and feeds
// events into ch until the stream ends.
func subscribeToEvents(apiURL, token string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events: %s", resp.Status)}
		}

		return sseDisconnectedMsg{err: readSSE(resp.Body, ch)}
	}
}

// readSSE parses an event stream. Events without data are dropped.
func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = append(cur.Data, line[6:]...)
		}
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the unauthenticated /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
