package offline0

import (
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// Entry is a stored response. It is also the response type handed back by
// the network layer and the fetch strategies.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash     uint64
}

// OK reports whether the status is 2xx.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Cacheable reports whether e may be written to a store: a 2xx that is
// the whole resource, not a 206 fragment.
func (e Entry) Cacheable() bool {
	return e.OK() && e.Status != http.StatusPartialContent
}

func newEntry(status int, h http.Header, body []byte, now int64) Entry {
	if h == nil {
		h = make(http.Header)
	}
	return Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: now,
		Hash:     xxhash.Sum64(body),
	}
}

// networkErrorEntry is served for critical data and assets when both the
// cache and the network come up empty.
func networkErrorEntry(now int64) Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return newEntry(http.StatusRequestTimeout, h, []byte("Network error"), now)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
