package offline0

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// snapshotKey is the single entry in the manifest store.
const snapshotKey = "manifest"

// install stages the core set. Staging is all or nothing: a single failed
// core or critical fetch destroys the staging store, drops whatever
// critical data this install pre-cached, and fails the phase.
func (a *Agent) install(ctx context.Context, _ *Event) error {
	names := a.cfg.Names
	staging, err := a.set.Open(names.Staging)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	var assets *Store
	if a.cfg.PrecacheCritical && len(a.cfg.Critical) > 0 {
		if assets, err = a.set.Open(names.Assets); err != nil {
			a.dropStaging()
			return fmt.Errorf("%w: %w", ErrInstall, err)
		}
	}

	var (
		mu        sync.Mutex
		precached []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, p := range a.manifest.Core {
		g.Go(func() error { return a.stage(gctx, staging, p) })
	}
	if assets != nil {
		for _, p := range a.cfg.Critical {
			g.Go(func() error {
				if err := a.stage(gctx, assets, p); err != nil {
					return err
				}
				mu.Lock()
				precached = append(precached, a.urlFor(p))
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		a.dropStaging()
		for _, k := range precached {
			if _, derr := assets.Delete(k); derr != nil {
				log.Printf("%s: drop %s after failed install: %v", a.logPrefix(), k, derr)
			}
		}
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	log.Printf("%s: installed, core=%d critical=%d", a.logPrefix(), len(a.manifest.Core), len(precached))
	if a.cfg.SkipWaiting {
		a.host.SkipWaiting(a)
	}
	return nil
}

func (a *Agent) dropStaging() {
	if _, err := a.set.Delete(a.cfg.Names.Staging); err != nil {
		log.Printf("%s: drop staging after failed install: %v", a.logPrefix(), err)
	}
}

// stage fetches path bypassing intermediate caches and stores it.
func (a *Agent) stage(ctx context.Context, st *Store, path string) error {
	target := a.urlFor(path)
	req, err := reloadRequest(ctx, target)
	if err != nil {
		return err
	}
	ent, err := a.net.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	if !ent.Cacheable() {
		return &StatusError{URL: target, Status: ent.Status}
	}
	return st.Put(target, ent)
}

type reconcileResult struct {
	Fresh   bool
	Kept    int
	Evicted int
	Staged  int
	Pruned  []string
}

// activate migrates the content store to the current manifest. Any
// failure destroys the content, staging and manifest stores: an empty
// cache is rebuilt on the next cycle, an inconsistent one would be served.
func (a *Agent) activate(ctx context.Context, _ *Event) error {
	res, err := a.reconcile(ctx)
	if err != nil {
		a.resetStores()
		return fmt.Errorf("%w: %w", ErrReconcile, err)
	}
	res.Pruned = a.pruneObsolete()

	reconcileEntries.WithLabelValues("kept").Add(float64(res.Kept))
	reconcileEntries.WithLabelValues("evicted").Add(float64(res.Evicted))
	reconcileEntries.WithLabelValues("staged").Add(float64(res.Staged))
	log.Printf(
		"%s: activated, fresh=%v kept=%d evicted=%d staged=%d pruned=%d",
		a.logPrefix(), res.Fresh, res.Kept, res.Evicted, res.Staged, len(res.Pruned),
	)

	a.host.Claim(a)
	return nil
}

func (a *Agent) reconcile(ctx context.Context) (reconcileResult, error) {
	var res reconcileResult
	names := a.cfg.Names

	staging, err := a.set.Open(names.Staging)
	if err != nil {
		return res, err
	}
	content, err := a.set.Open(names.Content)
	if err != nil {
		return res, err
	}
	manifestStore, err := a.set.Open(names.Manifest)
	if err != nil {
		return res, err
	}
	prior, hasPrior, err := manifestStore.Match(snapshotKey)
	if err != nil {
		return res, err
	}

	var old map[string]string
	if !hasPrior {
		// Without a prior manifest nothing in content can be trusted.
		res.Fresh = true
		if _, err := a.set.Delete(names.Content); err != nil {
			return res, err
		}
		if content, err = a.set.Open(names.Content); err != nil {
			return res, err
		}
	} else {
		if old, err = decodeSnapshot(prior.Body); err != nil {
			return res, err
		}
		keys, err := content.Keys()
		if err != nil {
			return res, err
		}
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			p := a.pathOf(k)
			cur, ok := a.manifest.Fingerprint(p)
			if ok && cur == old[p] {
				res.Kept++
				continue
			}
			if _, err := content.Delete(k); err != nil {
				return res, err
			}
			res.Evicted++
		}
	}

	kept, evicted, err := a.reconcileAssets(ctx, old, hasPrior)
	if err != nil {
		return res, err
	}
	res.Kept += kept
	res.Evicted += evicted

	// Staged core files win over survivors.
	staged, err := staging.Keys()
	if err != nil {
		return res, err
	}
	for _, k := range staged {
		ent, ok, err := staging.Match(k)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		if err := content.Put(k, ent); err != nil {
			return res, err
		}
		res.Staged++
	}
	if _, err := a.set.Delete(names.Staging); err != nil {
		return res, err
	}

	body, err := a.manifest.snapshot()
	if err != nil {
		return res, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if err := manifestStore.Put(snapshotKey, newEntry(http.StatusOK, h, body, time.Now().Unix())); err != nil {
		return res, err
	}
	return res, nil
}

// reconcileAssets applies the fingerprint rule to manifest-tracked paths
// that the router serves from the assets store because they carry the
// asset marker. Critical data and assets the manifest never listed are
// left alone.
func (a *Agent) reconcileAssets(ctx context.Context, old map[string]string, hasPrior bool) (kept, evicted int, err error) {
	assets := a.set.handle(a.cfg.Names.Assets)
	keys, err := assets.Keys()
	if err != nil {
		return 0, 0, err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return kept, evicted, err
		}
		p := a.pathOf(k)
		if a.routeOf(p) != routeAsset {
			continue
		}
		cur, listed := a.manifest.Fingerprint(p)
		prev, tracked := old[p]
		switch {
		case !listed && !tracked:
			continue
		case listed && hasPrior && tracked && cur == prev:
			kept++
			continue
		}
		if _, err := assets.Delete(k); err != nil {
			return kept, evicted, err
		}
		evicted++
	}
	return kept, evicted, nil
}

func (a *Agent) resetStores() {
	names := a.cfg.Names
	for _, n := range []string{names.Content, names.Staging, names.Manifest} {
		if _, err := a.set.Delete(n); err != nil {
			log.Printf("%s: reset %s: %v", a.logPrefix(), n, err)
		}
	}
}

// pruneObsolete drops stores carrying the configured prefix that this
// agent does not use, i.e. leftovers from renamed versions.
func (a *Agent) pruneObsolete() []string {
	if a.cfg.Prefix == "" {
		return nil
	}
	names, err := a.set.Names()
	if err != nil {
		log.Printf("%s: list stores: %v", a.logPrefix(), err)
		return nil
	}
	keep := map[string]struct{}{}
	for _, n := range a.cfg.Names.all() {
		keep[n] = struct{}{}
	}
	var pruned []string
	for _, n := range names {
		if _, ok := keep[n]; ok || !strings.HasPrefix(n, a.cfg.Prefix) {
			continue
		}
		if _, err := a.set.Delete(n); err != nil {
			log.Printf("%s: delete obsolete store %s: %v", a.logPrefix(), n, err)
			continue
		}
		pruned = append(pruned, n)
	}
	return pruned
}
