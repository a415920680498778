package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Commands accepted from the controlling page.
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

func (a *Agent) message(ctx context.Context, ev *Event) error {
	switch strings.TrimSpace(ev.Message) {
	case MessageSkipWaiting:
		a.host.SkipWaiting(a)
		ev.RespondWith(jsonEntry(map[string]any{"ok": true, "version": a.Version()}), MessageSkipWaiting)
		return nil
	case MessageDownloadOffline:
		n, err := a.downloadOffline(ctx)
		if err != nil {
			return fmt.Errorf("download offline: %w", err)
		}
		ev.RespondWith(jsonEntry(map[string]any{"ok": true, "primed": n}), MessageDownloadOffline)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Message)
	}
}

// missingPaths diffs the manifest against the stores the router would
// serve each path from.
func (a *Agent) missingPaths() ([]string, error) {
	have := map[string]map[string]struct{}{}
	var out []string
	for _, p := range a.manifest.Paths() {
		st := a.storeFor(a.routeOf(p))
		keys, ok := have[st.Name()]
		if !ok {
			all, err := st.Keys()
			if err != nil {
				return nil, err
			}
			keys = make(map[string]struct{}, len(all))
			for _, k := range all {
				keys[k] = struct{}{}
			}
			have[st.Name()] = keys
		}
		if _, ok := keys[a.urlFor(p)]; !ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// downloadOffline fetches every manifest resource not yet stored. The
// first failure stops the run; resources already stored stay.
func (a *Agent) downloadOffline(ctx context.Context) (int, error) {
	missing, err := a.missingPaths()
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	var primed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, p := range missing {
		st := a.storeFor(a.routeOf(p))
		g.Go(func() error {
			target := a.urlFor(p)
			req, err := newGet(gctx, target, nil)
			if err != nil {
				return err
			}
			ent, err := a.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !ent.Cacheable() {
				return &StatusError{URL: target, Status: ent.Status}
			}
			if err := st.Put(target, ent); err != nil {
				return err
			}
			primed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	n := int(primed.Load())
	primedTotal.Add(float64(n))
	log.Printf("%s: downloadOffline primed=%d missing=%d", a.logPrefix(), n, len(missing))
	return n, err
}

func jsonEntry(v any) Entry {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"ok":false}`)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return newEntry(http.StatusOK, h, b, time.Now().Unix())
}
