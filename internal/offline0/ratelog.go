package offline0

import (
	"log"
	"sync"
	"time"
)

// keyedLogger logs at most once per interval for each key and reports how
// many lines it swallowed in between. Offline clients retry the same URL
// in a tight loop; one line per URL per interval is enough.
type keyedLogger struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	keys map[string]*logWindow
}

type logWindow struct {
	last       time.Time
	suppressed int
}

func newKeyedLogger(interval time.Duration) *keyedLogger {
	return &keyedLogger{interval: interval, now: time.Now, keys: map[string]*logWindow{}}
}

// allow reports whether a line for key may be written and how many were
// dropped since the last one.
func (l *keyedLogger) allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.keys[key]
	if !ok {
		l.keys[key] = &logWindow{last: now}
		return true, 0
	}
	if now.Sub(w.last) < l.interval {
		w.suppressed++
		return false, 0
	}
	n := w.suppressed
	w.last, w.suppressed = now, 0
	return true, n
}

func (l *keyedLogger) Printf(key, format string, args ...any) {
	ok, dropped := l.allow(key)
	if !ok {
		return
	}
	if dropped > 0 {
		format += " (%d similar suppressed)"
		args = append(args, dropped)
	}
	log.Printf(format, args...)
}

// sweep forgets keys idle for more than an interval.
func (l *keyedLogger) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, w := range l.keys {
		if w.suppressed == 0 && now.Sub(w.last) >= l.interval {
			delete(l.keys, k)
		}
	}
}
