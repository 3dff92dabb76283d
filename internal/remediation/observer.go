package remediation

import (
	"log/slog"
	"sync"

	"github.com/mattjoyce/mender/internal/events"
)

// Observer receives session events. Calls are made from a single goroutine
// in the order events happen, so implementations must not block for long.
type Observer interface {
	OnProgress(sessionID, step string, pct float64)
	OnStateChange(sessionID string, phase Phase)
	OnCompletion(result Result)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Progress    func(sessionID, step string, pct float64)
	StateChange func(sessionID string, phase Phase)
	Completion  func(result Result)
}

func (f ObserverFuncs) OnProgress(sessionID, step string, pct float64) {
	if f.Progress != nil {
		f.Progress(sessionID, step, pct)
	}
}

func (f ObserverFuncs) OnStateChange(sessionID string, phase Phase) {
	if f.StateChange != nil {
		f.StateChange(sessionID, phase)
	}
}

func (f ObserverFuncs) OnCompletion(result Result) {
	if f.Completion != nil {
		f.Completion(result)
	}
}

// emitter fans events out to registered observers. Only the session
// goroutine emits, so delivery is ordered; mu guards the registry.
type emitter struct {
	logger *slog.Logger

	mu        sync.Mutex
	observers map[int]Observer
	nextID    int
}

func (e *emitter) add(o Observer) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observers == nil {
		e.observers = map[int]Observer{}
	}
	id := e.nextID
	e.nextID++
	e.observers[id] = o
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *emitter) snapshot() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Observer, 0, len(e.observers))
	for i := 0; i < e.nextID; i++ {
		if o, ok := e.observers[i]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (e *emitter) progress(sessionID, step string, pct float64) {
	for _, o := range e.snapshot() {
		e.deliver(func() { o.OnProgress(sessionID, step, pct) })
	}
}

func (e *emitter) stateChange(sessionID string, phase Phase) {
	for _, o := range e.snapshot() {
		e.deliver(func() { o.OnStateChange(sessionID, phase) })
	}
}

func (e *emitter) completion(r Result) {
	for _, o := range e.snapshot() {
		e.deliver(func() { o.OnCompletion(r) })
	}
}

// deliver isolates the session from a panicking observer.
func (e *emitter) deliver(call func()) {
	defer func() {
		if v := recover(); v != nil && e.logger != nil {
			e.logger.Error("observer panicked", "panic", v)
		}
	}()
	call()
}

// HubObserver republishes session events on an events.Hub for SSE clients.
type HubObserver struct {
	Hub *events.Hub
}

type progressPayload struct {
	Step     string  `json:"step"`
	Progress float64 `json:"progress"`
}

type statePayload struct {
	Phase Phase `json:"phase"`
}

func (h HubObserver) OnProgress(sessionID, step string, pct float64) {
	h.Hub.Publish(sessionID, events.TypeProgress, progressPayload{Step: step, Progress: pct})
}

func (h HubObserver) OnStateChange(sessionID string, phase Phase) {
	h.Hub.Publish(sessionID, events.TypeState, statePayload{Phase: phase})
}

func (h HubObserver) OnCompletion(r Result) {
	h.Hub.Publish(r.SessionID, events.TypeCompletion, r)
}
