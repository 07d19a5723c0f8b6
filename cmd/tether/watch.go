package main

import "github.com/fsnotify/fsnotify"

// dirWatcher wraps fsnotify.Watcher to watch a single session directory,
// collapsing its Events/Errors channels behind a pair of read-only channels
// so callers don't need to know about fsnotify's Op bitmask.
type dirWatcher struct {
	w      *fsnotify.Watcher
	events chan struct{}
	errs   chan error
}

func newDirWatcher(dir string) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	dw := &dirWatcher{w: w, events: make(chan struct{}, 1), errs: make(chan error, 1)}
	go dw.pump()
	return dw, nil
}

func (dw *dirWatcher) pump() {
	for {
		select {
		case _, ok := <-dw.w.Events:
			if !ok {
				return
			}
			select {
			case dw.events <- struct{}{}:
			default:
			}
		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			select {
			case dw.errs <- err:
			default:
			}
		}
	}
}

func (dw *dirWatcher) channels() (<-chan struct{}, <-chan error) {
	return dw.events, dw.errs
}

func (dw *dirWatcher) Close() error {
	return dw.w.Close()
}
