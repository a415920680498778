package offline0

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Agent is one deployed version: a manifest plus the handlers that keep
// the cache set consistent with it.
type Agent struct {
	ID string

	cfg      AgentConfig
	origin   *url.URL
	manifest *Manifest

	set  *CacheSet
	net  Fetcher
	host lifecycleHost

	handlers map[Signal]Handler
	flight   singleflight.Group

	skipWaiting atomic.Bool
	claimed     atomic.Bool
}

// NewAgent builds an agent for m. A nil host runs the agent detached: skip
// waiting and claim are only recorded on the agent.
func NewAgent(cfg AgentConfig, m *Manifest, set *CacheSet, net Fetcher, host lifecycleHost) (*Agent, error) {
	origin, err := parseOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if host == nil {
		host = detachedHost{}
	}
	a := &Agent{
		ID:       uuid.NewString(),
		cfg:      cfg,
		origin:   origin,
		manifest: m,
		set:      set,
		net:      net,
		host:     host,
	}
	a.handlers = map[Signal]Handler{
		SignalInstall:  a.install,
		SignalActivate: a.activate,
		SignalFetch:    a.fetch,
		SignalMessage:  a.message,
	}
	return a, nil
}

func parseOrigin(s string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(s, "/"))
	if err != nil {
		return nil, fmt.Errorf("origin %q: %w", s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q: scheme and host are required", s)
	}
	if u.Path != "" || u.RawQuery != "" {
		return nil, fmt.Errorf("origin %q: must not carry a path or query", s)
	}
	return u, nil
}

func (a *Agent) Manifest() *Manifest { return a.manifest }

func (a *Agent) Version() string { return a.manifest.Version }

func (a *Agent) Claimed() bool { return a.claimed.Load() }

// Dispatch runs the handler registered for ev.Signal.
func (a *Agent) Dispatch(ctx context.Context, ev *Event) error {
	h, ok := a.handlers[ev.Signal]
	if !ok {
		return fmt.Errorf("no handler for signal %s", ev.Signal)
	}
	return h(ctx, ev)
}

func (a *Agent) logPrefix() string {
	return fmt.Sprintf("agent %s (%s)", a.manifest.Version, a.ID[:8])
}

// ---- request identity ----

// requestKey identifies a request in the stores. Path is the logical
// origin-relative path used against the manifest, URL the stored key.
type requestKey struct {
	Path string
	URL  string
}

func (a *Agent) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, a.origin.Scheme) && strings.EqualFold(u.Host, a.origin.Host)
}

// keyFor strips the v query parameter so cache-busting URLs share one key.
func (a *Agent) keyFor(u *url.URL) requestKey {
	q := u.Query()
	q.Del("v")
	path := strings.TrimPrefix(u.Path, "/")
	if rest := q.Encode(); rest != "" {
		path += "?" + rest
	}
	if path == "" {
		path = RootPath
	}
	return requestKey{Path: path, URL: a.urlFor(path)}
}

func (a *Agent) urlFor(path string) string {
	if path == RootPath {
		return a.origin.String() + "/"
	}
	return a.origin.String() + "/" + path
}

// pathOf maps a stored URL key back to its logical path.
func (a *Agent) pathOf(storedURL string) string {
	rel, ok := strings.CutPrefix(storedURL, a.origin.String()+"/")
	if !ok {
		return storedURL
	}
	if rel == "" {
		return RootPath
	}
	return rel
}

func (a *Agent) isCritical(path string) bool {
	for _, p := range a.cfg.Critical {
		if p == path {
			return true
		}
	}
	return false
}
