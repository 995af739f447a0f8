package lu

import (
	"fmt"
	"sync"
)

// traceRecorder captures the operations of a run in issuance order.
// Issuance happens on the single control goroutine, so for a fixed
// configuration the trace is deterministic; tests compare traces to check
// schedules, and production runs carry a nil recorder.
type traceRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *traceRecorder) record(format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
}

func (r *traceRecorder) snapshot() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *traceRecorder) count(prefix string) int {
	n := 0
	for _, op := range r.snapshot() {
		if len(op) >= len(prefix) && op[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
