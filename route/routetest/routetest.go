// Package routetest provides a route installer that records operations for tests.
package routetest

import (
	"slices"
	"sync"

	"github.com/database64128/mvtun-go/route"
)

// Recorder is a [route.Installer] that keeps the set of installed routes in memory.
type Recorder struct {
	mu        sync.Mutex
	installed []route.Entry
	removed   []route.Entry
	notify    chan struct{}
}

// NewRecorder returns a new recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Install implements [route.Installer.Install].
func (r *Recorder) Install(e route.Entry) error {
	r.mu.Lock()
	r.installed = append(slices.DeleteFunc(r.installed, func(x route.Entry) bool { return x.Prefix == e.Prefix }), e)
	r.mu.Unlock()
	r.signal()
	return nil
}

// Remove implements [route.Installer.Remove].
func (r *Recorder) Remove(e route.Entry) error {
	r.mu.Lock()
	r.installed = slices.DeleteFunc(r.installed, func(x route.Entry) bool { return x.Prefix == e.Prefix })
	r.removed = append(r.removed, e)
	r.mu.Unlock()
	r.signal()
	return nil
}

// Installed returns the currently installed routes.
func (r *Recorder) Installed() []route.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.installed)
}

// Removed returns every route removed so far.
func (r *Recorder) Removed() []route.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removed)
}

// Changed returns a channel that receives after routes change.
func (r *Recorder) Changed() <-chan struct{} {
	return r.notify
}
