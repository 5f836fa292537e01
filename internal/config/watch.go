package config

import (
	"fmt"
	"log"
	"path/filepath"
	"reflect"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the new
// call section to a callback. Other sections are only read at startup.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onCall  func(Call)
	last    Call
	closed  chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// so editors that save by rename are picked up.
func Watch(path string, current Call, onCall func(Call)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    abs,
		watcher: fw,
		onCall:  onCall,
		last:    current,
		closed:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadPartial(w.path)
	if err != nil {
		log.Printf("CONFIG: reload failed: %v", err)
		return
	}
	if err := cfg.Call.Validate(); err != nil {
		log.Printf("CONFIG: reload rejected: %v", err)
		return
	}
	if reflect.DeepEqual(cfg.Call, w.last) {
		return
	}
	w.last = cfg.Call
	log.Printf("CONFIG: call settings reloaded")
	w.onCall(cfg.Call)
}

func (w *Watcher) Close() {
	close(w.closed)
	w.watcher.Close()
}
