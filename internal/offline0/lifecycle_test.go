package offline0

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, cfg AgentConfig, m *Manifest, set *CacheSet, net Fetcher) *Agent {
	t.Helper()
	a, err := NewAgent(cfg, m, set, net, nil)
	require.NoError(t, err)
	return a
}

func TestInstallStagesCore(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/index.html": "I", "/b.js": "B"})
	set := memSet(t)
	m := mustManifest(t, map[string]string{"a.js": "h1", "index.html": "h2", "b.js": "h3"}, "a.js", "index.html")
	a := newTestAgent(t, testAgentConfig(o.URL()), m, set, newSwitchFetcher())

	require.NoError(t, a.Dispatch(context.Background(), &Event{Signal: SignalInstall}))

	assert.ElementsMatch(t, []string{o.URL() + "/a.js", o.URL() + "/index.html"}, storeKeys(t, set, "offline0-temp"))
	assert.Equal(t, 0, o.Hits("/b.js"))
	assert.True(t, a.skipWaiting.Load())
	assert.Equal(t, "no-cache", o.LastHeader("/a.js").Get("Cache-Control"))
}

func TestInstallFailsAtomically(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A"})
	set := memSet(t)
	m := mustManifest(t, map[string]string{"a.js": "h1", "gone.js": "h2"}, "a.js", "gone.js")
	a := newTestAgent(t, testAgentConfig(o.URL()), m, set, newSwitchFetcher())

	err := a.Dispatch(context.Background(), &Event{Signal: SignalInstall})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstall))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 404, se.Status)

	ok, err := set.Has("offline0-temp")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, a.skipWaiting.Load())
}

func TestInstallPrecachesCritical(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/assets/data/x.json": "{}"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	cfg.Critical = []string{"assets/data/x.json"}
	cfg.PrecacheCritical = true
	m := mustManifest(t, map[string]string{"a.js": "h1"}, "a.js")
	a := newTestAgent(t, cfg, m, set, newSwitchFetcher())

	require.NoError(t, a.Dispatch(context.Background(), &Event{Signal: SignalInstall}))
	assert.Equal(t, []string{o.URL() + "/assets/data/x.json"}, storeKeys(t, set, "offline0-assets"))
}

func TestInstallWithoutSkipWaiting(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A"})
	cfg := testAgentConfig(o.URL())
	cfg.SkipWaiting = false
	a := newTestAgent(t, cfg, mustManifest(t, map[string]string{"a.js": "h1"}, "a.js"), memSet(t), newSwitchFetcher())

	require.NoError(t, a.Dispatch(context.Background(), &Event{Signal: SignalInstall}))
	assert.False(t, a.skipWaiting.Load())
}

// installAndActivate runs both phases on a detached agent.
func installAndActivate(t *testing.T, a *Agent) error {
	t.Helper()
	require.NoError(t, a.Dispatch(context.Background(), &Event{Signal: SignalInstall}))
	return a.Dispatch(context.Background(), &Event{Signal: SignalActivate})
}

func TestActivateFreshInstallKeepsOnlyCore(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/b.js": "B"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	// Leftovers from an unknown past: no snapshot to trust them by.
	putEntry(t, set, cfg.Names.Content, o.URL()+"/b.js", "old B")
	putEntry(t, set, cfg.Names.Content, o.URL()+"/stale.js", "stale")

	m := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2"}, "a.js")
	a := newTestAgent(t, cfg, m, set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, a))

	assert.Equal(t, []string{o.URL() + "/a.js"}, storeKeys(t, set, cfg.Names.Content))
	assert.True(t, a.Claimed())

	ok, err := set.Has(cfg.Names.Staging)
	require.NoError(t, err)
	assert.False(t, ok)

	snap, ok, err := set.handle(cfg.Names.Manifest).Match(snapshotKey)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := decodeSnapshot(snap.Body)
	require.NoError(t, err)
	assert.Equal(t, m.Resources, got)
}

func TestActivateEvictsChangedFingerprints(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/b.js": "B2"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	putSnapshot(t, set, cfg.Names.Manifest, map[string]string{"a.js": "h1", "b.js": "h0"})
	putEntry(t, set, cfg.Names.Content, o.URL()+"/a.js", "A")
	putEntry(t, set, cfg.Names.Content, o.URL()+"/b.js", "B0")

	m := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2"}, "a.js")
	sw := newSwitchFetcher()
	a := newTestAgent(t, cfg, m, set, sw)
	require.NoError(t, installAndActivate(t, a))

	assert.Equal(t, []string{o.URL() + "/a.js"}, storeKeys(t, set, cfg.Names.Content))
	assert.Equal(t, 0, o.Hits("/b.js"))

	// b.js is not core: it comes back on the next request for it.
	ev := &Event{Signal: SignalFetch, Request: getRequest(t, o.URL()+"/b.js")}
	require.NoError(t, a.Dispatch(context.Background(), ev))
	ent, outcome, ok := ev.Response()
	require.True(t, ok)
	assert.Equal(t, outcomeMiss, outcome)
	assert.Equal(t, "B2", string(ent.Body))
	assert.Equal(t, 1, o.Hits("/b.js"))
	assert.ElementsMatch(t, []string{o.URL() + "/a.js", o.URL() + "/b.js"}, storeKeys(t, set, cfg.Names.Content))
}

func TestActivateKeepsUnchangedWithoutDownload(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/c.js": "C", "/d.js": "D"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	putSnapshot(t, set, cfg.Names.Manifest, map[string]string{"a.js": "h1", "c.js": "hc", "d.js": "hd", "gone.js": "hg"})
	putEntry(t, set, cfg.Names.Content, o.URL()+"/c.js", "C")
	putEntry(t, set, cfg.Names.Content, o.URL()+"/d.js", "D")
	putEntry(t, set, cfg.Names.Content, o.URL()+"/gone.js", "G")

	m := mustManifest(t, map[string]string{"a.js": "h1", "c.js": "hc", "d.js": "hd2"}, "a.js")
	a := newTestAgent(t, cfg, m, set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, a))

	assert.ElementsMatch(t, []string{o.URL() + "/a.js", o.URL() + "/c.js"}, storeKeys(t, set, cfg.Names.Content))
	assert.Equal(t, 0, o.Hits("/c.js"))
	assert.Equal(t, 0, o.Hits("/d.js"))
}

func TestActivateStagedCoreWins(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "fresh"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	putSnapshot(t, set, cfg.Names.Manifest, map[string]string{"a.js": "h1"})
	putEntry(t, set, cfg.Names.Content, o.URL()+"/a.js", "cached")

	a := newTestAgent(t, cfg, mustManifest(t, map[string]string{"a.js": "h1"}, "a.js"), set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, a))

	got, ok, err := set.handle(cfg.Names.Content).Match(o.URL() + "/a.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(got.Body))
}

func TestActivateIsIdempotent(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/b.js": "B"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	m := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2"}, "a.js")

	first := newTestAgent(t, cfg, m, set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, first))
	ev := &Event{Signal: SignalFetch, Request: getRequest(t, o.URL()+"/b.js")}
	require.NoError(t, first.Dispatch(context.Background(), ev))
	before := storeKeys(t, set, cfg.Names.Content)
	o.ResetHits()

	second := newTestAgent(t, cfg, m, set, newSwitchFetcher())
	res := mustReconcile(t, second)

	assert.Equal(t, 0, res.Evicted)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, before, storeKeys(t, set, cfg.Names.Content))
	assert.Equal(t, 1, o.Hits("/a.js"))
	assert.Equal(t, 0, o.Hits("/b.js"))
}

func mustReconcile(t *testing.T, a *Agent) reconcileResult {
	t.Helper()
	require.NoError(t, a.Dispatch(context.Background(), &Event{Signal: SignalInstall}))
	res, err := a.reconcile(context.Background())
	require.NoError(t, err)
	return res
}

func TestActivateFailureResetsStores(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	putEntry(t, set, cfg.Names.Content, o.URL()+"/a.js", "A")
	putEntry(t, set, cfg.Names.Assets, o.URL()+"/assets/x.png", "X")
	// An unreadable snapshot makes reconciliation fail.
	putEntry(t, set, cfg.Names.Manifest, snapshotKey, "{not json")

	a := newTestAgent(t, cfg, mustManifest(t, map[string]string{"a.js": "h1"}, "a.js"), set, newSwitchFetcher())
	err := installAndActivate(t, a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconcile))
	assert.False(t, a.Claimed())

	names, err := set.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{cfg.Names.Assets}, names)
	assert.Empty(t, storeKeys(t, set, cfg.Names.Content))
	assert.Empty(t, storeKeys(t, set, cfg.Names.Staging))
	assert.Empty(t, storeKeys(t, set, cfg.Names.Manifest))
}

func TestActivatePrunesObsoleteStores(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	putEntry(t, set, "offline0-content-v1", "k", "old")
	putEntry(t, set, "unrelated", "k", "keep")

	a := newTestAgent(t, cfg, mustManifest(t, map[string]string{"a.js": "h1"}, "a.js"), set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, a))

	names, err := set.Names()
	require.NoError(t, err)
	assert.NotContains(t, names, "offline0-content-v1")
	assert.Contains(t, names, "unrelated")
	assert.Contains(t, names, cfg.Names.Content)
}

func TestInstallFailureDropsPrecachedCritical(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A", "/assets/data/x.json": "{}"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	cfg.Critical = []string{"assets/data/x.json", "assets/data/missing.json"}
	cfg.PrecacheCritical = true
	a := newTestAgent(t, cfg, mustManifest(t, map[string]string{"a.js": "h1"}, "a.js"), set, newSwitchFetcher())

	err := a.Dispatch(context.Background(), &Event{Signal: SignalInstall})
	require.ErrorIs(t, err, ErrInstall)

	assert.Empty(t, storeKeys(t, set, cfg.Names.Assets))
	ok, err := set.Has(cfg.Names.Staging)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivateReconcilesManifestAssets(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	cfg.AssetMarker = "/assets/"
	cfg.Critical = []string{"assets/data/x.json"}
	putSnapshot(t, set, cfg.Names.Manifest, map[string]string{
		"a.js":              "h1",
		"assets/same.png":   "s1",
		"assets/change.png": "c1",
		"assets/gone.png":   "g1",
	})
	for _, p := range []string{"same.png", "change.png", "gone.png", "runtime.png", "data/x.json"} {
		putEntry(t, set, cfg.Names.Assets, o.URL()+"/assets/"+p, p)
	}

	m := mustManifest(t, map[string]string{
		"a.js":               "h1",
		"assets/same.png":    "s1",
		"assets/change.png":  "c2",
		"assets/data/x.json": "x1",
	}, "a.js")
	a := newTestAgent(t, cfg, m, set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, a))

	assert.ElementsMatch(t, []string{
		o.URL() + "/assets/same.png",
		o.URL() + "/assets/runtime.png",
		o.URL() + "/assets/data/x.json",
	}, storeKeys(t, set, cfg.Names.Assets))
}

func TestActivateFreshDropsUntrustedManifestAssets(t *testing.T) {
	o := newTestOrigin(t, map[string]string{"/a.js": "A"})
	set := memSet(t)
	cfg := testAgentConfig(o.URL())
	cfg.AssetMarker = "/assets/"
	putEntry(t, set, cfg.Names.Assets, o.URL()+"/assets/listed.png", "old")
	putEntry(t, set, cfg.Names.Assets, o.URL()+"/assets/runtime.png", "r")

	m := mustManifest(t, map[string]string{"a.js": "h1", "assets/listed.png": "l1"}, "a.js")
	a := newTestAgent(t, cfg, m, set, newSwitchFetcher())
	require.NoError(t, installAndActivate(t, a))

	assert.Equal(t, []string{o.URL() + "/assets/runtime.png"}, storeKeys(t, set, cfg.Names.Assets))
}
