package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service runs a Runtime behind an HTTP proxy in front of the origin.
type Service struct {
	cfg Config

	set *CacheSet
	net Fetcher
	rt  *Runtime

	control http.Handler

	stopCh chan struct{}
	wg     sync.WaitGroup

	errLog *keyedLogger
	stats  *servedStats
}

func NewService(cfg Config) (*Service, error) {
	set, err := OpenCacheSet(cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	return newService(cfg, set, cfg.Fetcher()), nil
}

func newService(cfg Config, set *CacheSet, net Fetcher) *Service {
	s := &Service{
		cfg:    cfg,
		set:    set,
		net:    net,
		rt:     NewRuntime(cfg.AgentConfig(), set, net),
		stopCh: make(chan struct{}),
		errLog: newKeyedLogger(1 * time.Minute),
		stats:  newServedStats(),
	}
	s.control = s.controlHandler()
	return s
}

func (s *Service) Runtime() *Runtime { return s.rt }

// Start deploys the configured manifest and starts the background loops.
// A failed install is not fatal: the retry loop and the manifest watcher
// get another go at it.
func (s *Service) Start(ctx context.Context) error {
	m, err := LoadManifest(s.cfg.Manifest.Path)
	if err != nil {
		return err
	}
	if err := s.rt.Deploy(ctx, m); err != nil {
		log.Printf("deploy %s: %v", m.Version, err)
	}

	if every := s.cfg.Lifecycle.installRetryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.retryLoop(every)
		}()
	}
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	if s.cfg.Manifest.Watch {
		w, err := newManifestWatcher(s.cfg.Manifest.Path, s.redeploy)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(s.stopCh)
		}()
	}
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.set.Close(); err != nil {
		log.Printf("close cache set: %v", err)
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	cp := s.cfg.Server.ControlPath
	if r.URL.Path == cp || strings.HasPrefix(r.URL.Path, cp+"/") {
		s.control.ServeHTTP(w, r)
		return
	}

	req, err := s.originRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ent, outcome, handled, err := s.rt.Fetch(r.Context(), req)
	if err != nil {
		s.errLog.Printf(req.URL.Path, "fetch %s: %v", r.URL.RequestURI(), err)
		setOffline0Headers(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if handled {
		s.writeEntryWithStats(w, ent, outcome)
		return
	}
	s.proxyPass(w, req)
}

// originRequest rewrites an incoming request to target the origin.
func (s *Service) originRequest(r *http.Request) (*http.Request, error) {
	req := r.Clone(r.Context())
	u, err := req.URL.Parse(s.cfg.Server.Origin + r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	req.URL = u
	req.Host = ""
	req.RequestURI = ""
	return req, nil
}

func writeEntry(w http.ResponseWriter, ent Entry, outcome string) {
	// copy headers
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffline0Headers(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOffline0Headers(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Offline0", outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) proxyPass(w http.ResponseWriter, req *http.Request) {
	passthroughTotal.Inc()
	ent, err := s.net.Fetch(req.Context(), req)
	if err != nil {
		s.errLog.Printf(req.URL.Path, "pass %s: %v", req.URL.RequestURI(), err)
		setOffline0Headers(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, ent, outcomeBypass)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent Entry, outcome string) {
	writeEntry(w, ent, outcome)
	s.stats.Observe(outcome, len(ent.Body))
}

// ---- control endpoints ----

func (s *Service) controlHandler() http.Handler {
	cp := s.cfg.Server.ControlPath
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cp+"/message", s.handleMessage)
	mux.HandleFunc("GET "+cp+"/status", s.handleStatus)
	mux.Handle("GET "+cp+"/metrics", promhttp.Handler())
	return mux
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ent, err := s.rt.Message(r.Context(), string(b))
	switch {
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoAgent):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeEntry(w, ent, "")
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.rt.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(st)
}

// ---- background loops ----

func (s *Service) redeploy(m *Manifest) {
	if m.Version == s.rt.Version() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	log.Printf("manifest changed, deploying %s", m.Version)
	if err := s.rt.Deploy(ctx, m); err != nil {
		log.Printf("deploy %s: %v", m.Version, err)
	}
}

func (s *Service) retryLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			retried, err := s.rt.RetryInstall(ctx)
			cancel()
			if retried && err == nil {
				log.Printf("install retry succeeded")
			}
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.errLog.sweep()
			ss := s.stats.Snapshot()
			st, err := s.rt.Status()
			if err != nil {
				log.Printf("stats: %v", err)
				continue
			}
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = formatBytes(b)
			}
			log.Printf(
				"Cached: %s, Version: %s, RSS: %s, Served: %s, Hit ratio: %.2f, Cached resp min/avg/max %s/%s/%s",
				formatCounts(st.Stores),
				s.rt.Version(),
				rss,
				formatCounts(ss.Outcomes),
				ss.hitRatio(),
				formatBytes(ss.MinBytes),
				formatBytes(ss.AvgBytes),
				formatBytes(ss.MaxBytes),
			)
		}
	}
}
