package offline0

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const manifestDebounce = 250 * time.Millisecond

// manifestWatcher reports a freshly parsed manifest whenever the file
// changes. The directory is watched so editors and build tools that
// replace the file atomically are seen too.
type manifestWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Manifest)
}

func newManifestWatcher(path string, onChange func(*Manifest)) (*manifestWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &manifestWatcher{path: abs, watcher: w, onChange: onChange}, nil
}

func (mw *manifestWatcher) run(stopCh <-chan struct{}) {
	defer mw.watcher.Close()

	var (
		timer  *time.Timer
		fireCh <-chan time.Time
	)
	for {
		select {
		case <-stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if !mw.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(manifestDebounce)
			} else {
				timer.Reset(manifestDebounce)
			}
			fireCh = timer.C
		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("manifest watcher: %v", err)
		case <-fireCh:
			fireCh = nil
			m, err := LoadManifest(mw.path)
			if err != nil {
				log.Printf("manifest watcher: %v", err)
				continue
			}
			mw.onChange(m)
		}
	}
}

func (mw *manifestWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != mw.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
