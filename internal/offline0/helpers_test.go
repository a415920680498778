package offline0

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testOrigin serves a fixed set of files and counts hits per path.
type testOrigin struct {
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
	last  map[string]http.Header

	srv *httptest.Server
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{files: map[string]string{}, hits: map[string]int{}, last: map[string]http.Header{}}
	for p, b := range files {
		o.files[p] = b
	}
	o.srv = httptest.NewServer(o)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.last[r.URL.Path] = r.Header.Clone()
	body, ok := o.files[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	http.ServeContent(w, r, r.URL.Path, time.Time{}, strings.NewReader(body))
}

func (o *testOrigin) URL() string { return o.srv.URL }

func (o *testOrigin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) LastHeader(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last[path]
}

func (o *testOrigin) Set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

func (o *testOrigin) ResetHits() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = map[string]int{}
}

var errOffline = errors.New("network unreachable")

// switchFetcher wraps a Fetcher with an offline switch.
type switchFetcher struct {
	next    Fetcher
	offline atomic.Bool
}

func (f *switchFetcher) Fetch(ctx context.Context, req *http.Request) (Entry, error) {
	if f.offline.Load() {
		return Entry{}, errOffline
	}
	return f.next.Fetch(ctx, req)
}

// fixedFetcher answers every request with the same entry.
type fixedFetcher struct {
	ent Entry
}

func (f fixedFetcher) Fetch(context.Context, *http.Request) (Entry, error) {
	return f.ent, nil
}

func newSwitchFetcher() *switchFetcher {
	return &switchFetcher{next: NewHTTPFetcher(5*time.Second, 0)}
}

func testAgentConfig(origin string) AgentConfig {
	return AgentConfig{
		Origin: origin,
		Names: StoreNames{
			Staging:  "offline0-temp",
			Content:  "offline0-content",
			Assets:   "offline0-assets",
			Manifest: "offline0-manifest",
		},
		Prefix:      "offline0-",
		SkipWaiting: true,
		Concurrency: 4,
	}
}

func memSet(t *testing.T) *CacheSet {
	t.Helper()
	set, err := OpenCacheSet("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func mustManifest(t *testing.T, resources map[string]string, core ...string) *Manifest {
	t.Helper()
	m, err := NewManifest("", resources, core)
	require.NoError(t, err)
	return m
}

func storeKeys(t *testing.T, set *CacheSet, name string) []string {
	t.Helper()
	keys, err := set.handle(name).Keys()
	require.NoError(t, err)
	return keys
}

func putEntry(t *testing.T, set *CacheSet, store, key, body string) {
	t.Helper()
	st, err := set.Open(store)
	require.NoError(t, err)
	require.NoError(t, st.Put(key, newEntry(http.StatusOK, nil, []byte(body), time.Now().Unix())))
}

func putSnapshot(t *testing.T, set *CacheSet, name string, resources map[string]string) {
	t.Helper()
	m := mustManifest(t, resources)
	b, err := m.snapshot()
	require.NoError(t, err)
	st, err := set.Open(name)
	require.NoError(t, err)
	require.NoError(t, st.Put(snapshotKey, newEntry(http.StatusOK, nil, b, time.Now().Unix())))
}

func getRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return req
}
