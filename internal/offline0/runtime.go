package offline0

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Runtime hosts agents the way a browser hosts service worker versions:
// at most one active (controlling) agent, at most one installed agent
// waiting to activate, and a manifest whose install still has to succeed.
type Runtime struct {
	cfg AgentConfig
	set *CacheSet
	net Fetcher

	// gate fences activation against everything else touching the stores.
	// Activation holds it exclusively; fetch and message dispatch share it.
	gate sync.RWMutex

	// deployMu serializes Deploy and RetryInstall.
	deployMu sync.Mutex

	mu      sync.Mutex
	active  *Agent
	waiting *Agent
	pending *Manifest
}

func NewRuntime(cfg AgentConfig, set *CacheSet, net Fetcher) *Runtime {
	return &Runtime{cfg: cfg, set: set, net: net}
}

// SkipWaiting implements lifecycleHost. The runtime acts on the flag once
// the handler that raised it has returned.
func (rt *Runtime) SkipWaiting(a *Agent) {
	a.skipWaiting.Store(true)
}

// Claim implements lifecycleHost.
func (rt *Runtime) Claim(a *Agent) {
	a.claimed.Store(true)
	rt.mu.Lock()
	prev := rt.active
	rt.active = a
	rt.mu.Unlock()
	if prev != nil && prev != a {
		log.Printf("%s: claimed clients from %s", a.logPrefix(), prev.logPrefix())
	}
}

func (rt *Runtime) Active() *Agent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.active
}

func (rt *Runtime) Waiting() *Agent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.waiting
}

// Deploy installs an agent for m and, if it asks to skip waiting,
// activates it. A failed install leaves m pending for RetryInstall.
func (rt *Runtime) Deploy(ctx context.Context, m *Manifest) error {
	rt.deployMu.Lock()
	defer rt.deployMu.Unlock()
	return rt.deploy(ctx, m)
}

func (rt *Runtime) deploy(ctx context.Context, m *Manifest) error {
	a, err := NewAgent(rt.cfg, m, rt.set, rt.net, rt)
	if err != nil {
		return err
	}

	if err := rt.dispatch(ctx, a, &Event{Signal: SignalInstall}); err != nil {
		rt.mu.Lock()
		rt.pending = m
		rt.mu.Unlock()
		return err
	}

	rt.mu.Lock()
	rt.pending = nil
	if rt.waiting != nil {
		log.Printf("%s: replaces waiting %s", a.logPrefix(), rt.waiting.logPrefix())
	}
	rt.waiting = a
	rt.mu.Unlock()

	if a.skipWaiting.Load() {
		return rt.activate(ctx, a)
	}
	log.Printf("%s: installed, waiting for %s", a.logPrefix(), MessageSkipWaiting)
	return nil
}

// RetryInstall redeploys a manifest whose install failed. It reports
// whether there was anything to retry.
func (rt *Runtime) RetryInstall(ctx context.Context) (bool, error) {
	rt.deployMu.Lock()
	defer rt.deployMu.Unlock()

	rt.mu.Lock()
	m := rt.pending
	rt.mu.Unlock()
	if m == nil {
		return false, nil
	}
	return true, rt.deploy(ctx, m)
}

// activate runs the activate handler behind the gate. A failed
// activation still makes the agent active: its stores were reset and it
// refills them lazily.
func (rt *Runtime) activate(ctx context.Context, a *Agent) error {
	rt.gate.Lock()
	err := rt.dispatch(ctx, a, &Event{Signal: SignalActivate})
	rt.gate.Unlock()

	rt.mu.Lock()
	if rt.waiting == a {
		rt.waiting = nil
	}
	if err != nil {
		rt.active = a
	}
	rt.mu.Unlock()
	return err
}

// Fetch dispatches a fetch event to the active agent. handled is false
// when the request must go to the network untouched.
func (rt *Runtime) Fetch(ctx context.Context, req *http.Request) (ent Entry, outcome string, handled bool, err error) {
	rt.gate.RLock()
	defer rt.gate.RUnlock()

	a := rt.Active()
	if a == nil {
		return Entry{}, "", false, nil
	}
	ev := &Event{Signal: SignalFetch, Request: req}
	if err := a.Dispatch(ctx, ev); err != nil {
		return Entry{}, "", true, err
	}
	ent, outcome, handled = ev.Response()
	return ent, outcome, handled, nil
}

// Message delivers a page command. skipWaiting goes to the waiting agent
// when there is one, everything else to the active agent.
func (rt *Runtime) Message(ctx context.Context, cmd string) (Entry, error) {
	cmd = strings.TrimSpace(cmd)

	rt.mu.Lock()
	target := rt.active
	if cmd == MessageSkipWaiting && rt.waiting != nil {
		target = rt.waiting
	}
	rt.mu.Unlock()
	if target == nil {
		return Entry{}, ErrNoAgent
	}

	ev := &Event{Signal: SignalMessage, Message: cmd}
	rt.gate.RLock()
	err := rt.dispatch(ctx, target, ev)
	rt.gate.RUnlock()
	if err != nil {
		return Entry{}, err
	}

	if err := rt.activateWaiting(ctx, target); err != nil {
		return Entry{}, err
	}
	ent, _, _ := ev.Response()
	return ent, nil
}

// activateWaiting activates a if it is still the waiting agent and has
// asked to skip waiting. The check runs under deployMu: a deployment that
// replaced a in the meantime wins and a is dropped.
func (rt *Runtime) activateWaiting(ctx context.Context, a *Agent) error {
	if !a.skipWaiting.Load() {
		return nil
	}
	rt.deployMu.Lock()
	defer rt.deployMu.Unlock()
	if rt.Waiting() != a {
		return nil
	}
	return rt.activate(ctx, a)
}

func (rt *Runtime) dispatch(ctx context.Context, a *Agent, ev *Event) error {
	start := time.Now()
	err := a.Dispatch(ctx, ev)
	lifecycleDuration.WithLabelValues(ev.Signal.String()).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		if !errors.Is(err, ErrUnknownMessage) {
			log.Printf("%s: %s failed: %v", a.logPrefix(), ev.Signal, err)
		}
	}
	lifecycleTotal.WithLabelValues(ev.Signal.String(), result).Inc()
	return err
}

type AgentStatus struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Claimed bool   `json:"claimed"`
}

type RuntimeStatus struct {
	Active  *AgentStatus   `json:"active,omitempty"`
	Waiting *AgentStatus   `json:"waiting,omitempty"`
	Pending string         `json:"pending,omitempty"`
	Stores  map[string]int `json:"stores"`
}

func agentStatus(a *Agent) *AgentStatus {
	if a == nil {
		return nil
	}
	return &AgentStatus{ID: a.ID, Version: a.Version(), Claimed: a.Claimed()}
}

func (rt *Runtime) Status() (RuntimeStatus, error) {
	rt.mu.Lock()
	st := RuntimeStatus{
		Active:  agentStatus(rt.active),
		Waiting: agentStatus(rt.waiting),
		Stores:  map[string]int{},
	}
	if rt.pending != nil {
		st.Pending = rt.pending.Version
	}
	rt.mu.Unlock()

	names, err := rt.set.Names()
	if err != nil {
		return st, err
	}
	for _, n := range names {
		c, err := rt.set.Len(n)
		if err != nil {
			return st, err
		}
		st.Stores[n] = c
	}
	return st, nil
}

// Version reports the newest manifest version the runtime knows of.
func (rt *Runtime) Version() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	switch {
	case rt.pending != nil:
		return rt.pending.Version
	case rt.waiting != nil:
		return rt.waiting.Version()
	case rt.active != nil:
		return rt.active.Version()
	}
	return ""
}
