package relay

import (
	"fmt"
	"net"
	"sync"

	"github.com/attolabs/scenecomm/internal/util"
)

// PortAllocator hands out UDP listen ports from a bounded cycling range.
// The cursor only ever advances, so released ports become eligible again
// once the cursor wraps around.
type PortAllocator struct {
	mu     sync.Mutex
	cursor int
	min    int
	max    int
}

// NewPortAllocator creates an allocator over [min, max]. The first call to
// Next returns min.
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{cursor: min - 1, min: min, max: max}
}

// Next advances the cursor and returns the next candidate port, wrapping
// past the top of the range back to the bottom.
func (p *PortAllocator) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor++
	if p.cursor > p.max {
		p.cursor = p.min
	}
	return p.cursor
}

// Bind allocates a UDP socket bound to the next free port in the range.
// Bind collisions advance to the next port; after one full cycle without
// success the range is reported as exhausted.
func (p *PortAllocator) Bind() (*net.UDPConn, int, error) {
	for i := 0; i <= p.max-p.min; i++ {
		port := p.Next()
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			util.LogDebug("bind on port %d failed, trying another: %v", port, err)
			continue
		}
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("udp port range %d-%d exhausted", p.min, p.max)
}
