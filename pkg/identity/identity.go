// Package identity generates and recycles the logical worker instance names
// that survive container churn.
//
// An instance name is "<process-kind>_<n>" with n a process-wide monotonic
// counter starting at 1. A name whose container completed goes back on a FIFO
// queue and is handed out again before any new name is generated, so a
// replacement container resumes the identity of the one it replaces. Retry
// counts are kept per name for the life of the process; they survive
// recycling and are never decremented.
package identity

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry generates, recycles and retry-counts worker instance names. All
// methods are safe for concurrent use.
type Registry struct {
	kind       string
	maxRetries int

	nextID atomic.Int64

	mu     sync.Mutex
	unused []string

	retries sync.Map // instance name -> *atomic.Int64
}

// NewRegistry creates a registry for the given process kind. An instance name
// is exhausted once its retry count exceeds maxRetries; 0 disables the cap.
func NewRegistry(kind string, maxRetries int) *Registry {
	return &Registry{kind: kind, maxRetries: maxRetries}
}

// Acquire returns an unused instance name in FIFO order, generating a fresh
// one when the queue is empty.
func (r *Registry) Acquire() string {
	r.mu.Lock()
	if len(r.unused) > 0 {
		name := r.unused[0]
		r.unused = r.unused[1:]
		r.mu.Unlock()
		return name
	}
	r.mu.Unlock()

	return fmt.Sprintf("%s_%d", r.kind, r.nextID.Add(1))
}

// Release puts an instance name back on the unused queue.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unused = append(r.unused, name)
}

// RecordRetry increments the retry counter for an instance name and reports
// whether the name has exhausted its retries. The first recorded value is 1.
// Two concurrent calls for the same name always observe distinct counts.
func (r *Registry) RecordRetry(name string) (count int, exhausted bool) {
	v, _ := r.retries.LoadOrStore(name, new(atomic.Int64))
	n := int(v.(*atomic.Int64).Add(1))
	return n, r.maxRetries > 0 && n > r.maxRetries
}

// RetryCount returns the current retry count for an instance name.
func (r *Registry) RetryCount(name string) int {
	v, ok := r.retries.Load(name)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

// UnusedLen returns the number of instance names waiting for reuse.
func (r *Registry) UnusedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unused)
}
