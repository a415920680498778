package offline0

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
)

type route int

const (
	routeNone route = iota
	routeRoot
	routeCritical
	routeAsset
	routeManifest
)

func (r route) String() string {
	switch r {
	case routeRoot:
		return "root"
	case routeCritical:
		return "critical"
	case routeAsset:
		return "asset"
	case routeManifest:
		return "manifest"
	default:
		return "none"
	}
}

// Fetch outcomes, also sent to clients in the X-Offline0 header.
const (
	outcomeHit      = "hit"
	outcomeMiss     = "miss"
	outcomeNetwork  = "network"
	outcomeFallback = "fallback"
	outcomeOffline  = "offline"
	outcomeError    = "error"
	outcomeBypass   = "bypass"
)

// known reports whether path is something this agent is responsible for.
func (a *Agent) known(path string) bool {
	return a.manifest.Has(path) || a.manifest.IsCore(path)
}

func (a *Agent) classify(key requestKey, urlPath string) route {
	if key.Path == RootPath {
		if a.known(RootPath) {
			return routeRoot
		}
		return routeNone
	}
	plain, _, _ := strings.Cut(key.Path, "?")
	if a.isCritical(plain) {
		return routeCritical
	}
	if a.cfg.AssetMarker != "" && strings.Contains(urlPath, a.cfg.AssetMarker) {
		return routeAsset
	}
	if a.known(key.Path) {
		return routeManifest
	}
	return routeNone
}

// routeOf classifies a logical path the way a request for it would be.
func (a *Agent) routeOf(path string) route {
	if path == RootPath {
		return a.classify(requestKey{Path: path}, RootPath)
	}
	plain, _, _ := strings.Cut(path, "?")
	return a.classify(requestKey{Path: path}, "/"+plain)
}

// storeFor is the store a route reads from and fills.
func (a *Agent) storeFor(class route) *Store {
	switch class {
	case routeCritical, routeAsset:
		return a.set.handle(a.cfg.Names.Assets)
	}
	return a.set.handle(a.cfg.Names.Content)
}

// fetch answers same-origin GET requests for known paths. Anything else is
// left without a response so default network handling applies.
func (a *Agent) fetch(ctx context.Context, ev *Event) error {
	req := ev.Request
	if req == nil {
		return errors.New("fetch event without request")
	}
	if req.Method != http.MethodGet {
		return nil
	}
	u := req.URL
	if !u.IsAbs() {
		u = a.origin.ResolveReference(u)
		req = req.Clone(ctx)
		req.URL = u
	}
	if !a.sameOrigin(u) {
		return nil
	}

	key := a.keyFor(u)
	class := a.classify(key, u.Path)
	if class == routeNone {
		return nil
	}

	var (
		ent     Entry
		outcome string
		err     error
	)
	switch class {
	case routeRoot:
		ent, outcome, err = a.onlineFirst(ctx, req, key)
	case routeCritical, routeAsset:
		ent, outcome, err = a.cacheFirst(ctx, req, key, a.storeFor(class), true)
	case routeManifest:
		ent, outcome, err = a.cacheFirst(ctx, req, key, a.storeFor(class), false)
	}
	if err != nil {
		fetchTotal.WithLabelValues(class.String(), outcomeError).Inc()
		return err
	}
	fetchTotal.WithLabelValues(class.String(), outcome).Inc()
	if a.cfg.LogFetches {
		log.Printf("%s: %s %s -> %s %d", a.logPrefix(), class, key.Path, outcome, ent.Status)
	}
	ev.RespondWith(ent, outcome)
	return nil
}

// onlineFirst tries the network and refreshes the content store; the
// cached copy is only used when the network is unreachable.
func (a *Agent) onlineFirst(ctx context.Context, req *http.Request, key requestKey) (Entry, string, error) {
	content := a.set.handle(a.cfg.Names.Content)
	ent, err := a.net.Fetch(ctx, fillRequest(ctx, req))
	if err == nil {
		if ent.Cacheable() {
			a.put(content, key.URL, ent)
		}
		return ent, outcomeNetwork, nil
	}
	cached, ok, merr := content.Match(key.URL)
	if merr != nil {
		log.Printf("%s: match %s: %v", a.logPrefix(), key.URL, merr)
	}
	if ok {
		return cached, outcomeFallback, nil
	}
	return Entry{}, "", err
}

// cacheFirst serves from st and fills it on a miss. With offline set a
// network failure yields a synthetic 408 instead of an error.
func (a *Agent) cacheFirst(ctx context.Context, req *http.Request, key requestKey, st *Store, offline bool) (Entry, string, error) {
	cached, ok, err := st.Match(key.URL)
	if err != nil {
		log.Printf("%s: match %s: %v", a.logPrefix(), key.URL, err)
	}
	if ok {
		return cached, outcomeHit, nil
	}

	// The fill is shared by every waiter, so one client going away must
	// not cancel it for the rest.
	fillCtx := context.WithoutCancel(ctx)
	v, err, _ := a.flight.Do(st.Name()+"\x00"+key.URL, func() (any, error) {
		ent, err := a.net.Fetch(fillCtx, fillRequest(fillCtx, req))
		if err != nil {
			return nil, err
		}
		if ent.Cacheable() {
			a.put(st, key.URL, ent)
		}
		return ent, nil
	})
	if err != nil {
		if offline {
			return networkErrorEntry(time.Now().Unix()), outcomeOffline, nil
		}
		return Entry{}, "", err
	}
	return v.(Entry), outcomeMiss, nil
}

func (a *Agent) put(st *Store, key string, ent Entry) {
	if err := st.Put(key, ent); err != nil {
		log.Printf("%s: put %s/%s: %v", a.logPrefix(), st.Name(), key, err)
	}
}
