package testutil

import (
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// background goroutines may outlive the test
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// TestLogger returns a logger that writes through t.Log so output is only
// shown for failing or verbose tests.
func TestLogger(t *testing.T) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.New(w, "[test] ", log.Lmicroseconds)
}

// Recorder is a fanout listener that keeps every value it is notified with.
type Recorder[V any] struct {
	mu     sync.Mutex
	values []V
	Err    error
}

func (r *Recorder[V]) Notify(v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
	return r.Err
}

func (r *Recorder[V]) Values() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]V(nil), r.values...)
}

func (r *Recorder[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Last returns the most recent value, or the zero value if none was recorded.
func (r *Recorder[V]) Last() V {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero V
	if len(r.values) == 0 {
		return zero
	}
	return r.values[len(r.values)-1]
}

// WaitFor polls the recorder until cond holds for the latest value or the
// timeout expires.
func (r *Recorder[V]) WaitFor(t *testing.T, timeout time.Duration, cond func(V) bool) V {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if r.Len() > 0 {
			if last := r.Last(); cond(last) {
				return last
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition, last value: %+v", r.Last())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
