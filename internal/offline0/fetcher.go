package offline0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher is the network. A returned error means the request never
// produced a response; a non-2xx status is a valid Entry.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (Entry, error)
}

type httpFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) Fetcher {
	return &httpFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	var reqBody io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		reqBody = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), reqBody)
	if err != nil {
		return Entry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return Entry{}, err
	}
	if f.maxBytes > 0 && int64(len(b)) > f.maxBytes {
		return Entry{}, fmt.Errorf("%s: body exceeds %s", r.URL, formatBytes(uint64(f.maxBytes)))
	}

	ent := newEntry(resp.StatusCode, cloneHeader(resp.Header), b, time.Now().Unix())
	ent.Header.Del("Content-Length")
	return ent, nil
}

// newGet builds a GET for target carrying the caller's headers.
func newGet(ctx context.Context, target string, src http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, src)
	return req, nil
}

// partialHeaders make an origin answer with a fragment or a bodiless
// 304. Neither may end up in a store.
var partialHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// fillRequest is the upstream copy of a client request whose response is
// going to be stored.
func fillRequest(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	for _, h := range partialHeaders {
		req.Header.Del(h)
	}
	return req
}

// reloadRequest asks the origin and any intermediary for a fresh copy.
func reloadRequest(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	return req, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
