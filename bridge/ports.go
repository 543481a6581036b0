package bridge

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	PortRangeStart = 10000
	PortRangeEnd   = 20000
)

// PortAllocator hands out local ports nobody is listening on, scanning the
// range round-robin so recently released forwards are not reused at once.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	next  int
	inUse func(port int) bool
}

func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start: start,
		end:   end,
		next:  start,
		inUse: portInUse,
	}
}

// Get returns the next free port.
func (p *PortAllocator) Get() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.end - p.start + 1
	for i := 0; i < span; i++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if !p.inUse(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("bridge: no free port in %d-%d", p.start, p.end)
}

// portInUse reports whether something accepts connections on the port.
func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
