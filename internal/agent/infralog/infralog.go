// Package infralog keeps a bounded in-memory history of infrastructure
// operation output (runtime installs, database provisioning) so dashboards
// can fetch it after the fact.
package infralog

import (
	"fmt"
	"sync"
	"time"
)

// defaultCapacity bounds the ring; the oldest lines fall off first.
const defaultCapacity = 2048

// Ring is a fixed-capacity log buffer safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func New() *Ring {
	return NewWithCapacity(defaultCapacity)
}

func NewWithCapacity(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring{cap: capacity}
}

// Append records one line of operation output, stamped with the operation
// name and wall time.
func (r *Ring) Append(operation, line string) {
	entry := fmt.Sprintf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339), operation, line)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, entry)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// Lines returns a copy of the buffered history, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Clear discards the history.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}
