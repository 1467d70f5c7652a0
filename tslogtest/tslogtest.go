// Package tslogtest provides utilities for using [tslog] in tests.
package tslogtest

import (
	"sync"

	"github.com/database64128/mvtun-go/tslog"
)

// Config is [tslog.Config] for use in tests.
type Config tslog.Config

// TB is the subset of [testing.TB] used by test loggers.
type TB interface {
	Helper()
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestLogger creates a new [*tslog.Logger] that writes to t.Logf.
//
// Messages logged after t has completed are discarded, so goroutines
// that outlive the test, such as HTTP handlers, do not fail it.
func (c Config) NewTestLogger(t TB) *tslog.Logger {
	w := &testingWriter{t: t}
	t.Cleanup(w.close)
	return (*tslog.Config)(&c).NewLogger(w)
}

type testingWriter struct {
	mu     sync.Mutex
	t      TB
	closed bool
}

func (w *testingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.t.Helper()
		w.t.Logf("%s", p)
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
