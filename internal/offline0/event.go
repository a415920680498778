package offline0

import (
	"context"
	"net/http"
	"sync"
)

// Signal is a lifecycle signal dispatched by the host to an agent.
type Signal int

const (
	SignalInstall Signal = iota + 1
	SignalActivate
	SignalFetch
	SignalMessage
)

func (s Signal) String() string {
	switch s {
	case SignalInstall:
		return "install"
	case SignalActivate:
		return "activate"
	case SignalFetch:
		return "fetch"
	case SignalMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one dispatched signal. The host waits for the handler to return
// before it considers the phase finished.
type Event struct {
	Signal  Signal
	Request *http.Request // SignalFetch
	Message string        // SignalMessage

	mu       sync.Mutex
	response *Entry
	outcome  string
}

// RespondWith records the response for a fetch or message event. Leaving
// a fetch event without a response lets default network handling apply.
func (ev *Event) RespondWith(ent Entry, outcome string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.response = &ent
	ev.outcome = outcome
}

func (ev *Event) Response() (Entry, string, bool) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.response == nil {
		return Entry{}, "", false
	}
	return *ev.response, ev.outcome, true
}

// Handler handles one signal for an agent.
type Handler func(ctx context.Context, ev *Event) error

// lifecycleHost is what an agent can ask of the environment running it.
type lifecycleHost interface {
	// SkipWaiting asks for activation without waiting for older agents to
	// let go.
	SkipWaiting(a *Agent)
	// Claim makes a the controlling agent for all requests.
	Claim(a *Agent)
}

type detachedHost struct{}

func (detachedHost) SkipWaiting(a *Agent) { a.skipWaiting.Store(true) }
func (detachedHost) Claim(a *Agent)       { a.claimed.Store(true) }
