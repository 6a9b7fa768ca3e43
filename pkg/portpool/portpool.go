// Package portpool allocates free TCP ports for WDA, MJPEG, and the iproxy
// tunnels fronting a device's ports. Grounded on the teacher's
// pkg/device/uiautomator.go findFreePort helper: bind-and-release against
// loopback to confirm a port is currently free.
package portpool

import (
	"fmt"
	"net"
	"sync"
)

// Allocator hands out ports from a bounded range, tracking which ports it
// has already leased so two concurrent callers never receive the same one
// even if neither has started listening on it yet.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	next     int
	reserved map[int]bool
}

// New creates an Allocator over the inclusive [start, end] port range.
func New(start, end int) *Allocator {
	return &Allocator{
		start:    start,
		end:      end,
		next:     start,
		reserved: make(map[int]bool),
	}
}

// Get returns the next free port in range, verified by a loopback
// bind-and-release probe. Returns an error once the whole range has been
// scanned with no free port found.
func (a *Allocator) Get() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i <= a.end-a.start; i++ {
		port := a.start + (a.next-a.start+i)%(a.end-a.start+1)
		if a.reserved[port] {
			continue
		}
		if isFree(port) {
			a.reserved[port] = true
			a.next = port + 1
			return port, nil
		}
	}
	return 0, fmt.Errorf("portpool: no free port in range [%d, %d]", a.start, a.end)
}

// Release returns a previously leased port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

func isFree(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
