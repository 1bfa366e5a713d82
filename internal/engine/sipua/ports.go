package sipua

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// portPool hands out even RTP ports from a range. A port is only returned
// if it can actually be bound, so ports held by other processes are skipped.
type portPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	next      int
	allocated map[int]bool
}

func newPortPool(minPort, maxPort int) *portPool {
	if minPort%2 != 0 {
		minPort++
	}
	return &portPool{
		minPort:   minPort,
		maxPort:   maxPort,
		next:      minPort,
		allocated: make(map[int]bool),
	}
}

// bind allocates a port and returns a UDP socket bound to it on ip.
func (p *portPool) bind(ip string) (net.PacketConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := (p.maxPort-p.minPort)/2 + 1
	for i := 0; i < span; i++ {
		port := p.next
		p.next += 2
		if p.next > p.maxPort {
			p.next = p.minPort
		}
		if p.allocated[port] {
			continue
		}
		conn, err := net.ListenPacket("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		p.allocated[port] = true
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.minPort, p.maxPort)
}

// release returns a port to the pool.
func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// inUse returns the number of allocated ports.
func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
