package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/migadu/sieve/logger"
)

// ConnectionLimiter caps concurrent connections in total and per client IP.
// A zero limit disables that check.
type ConnectionLimiter struct {
	protocol       string
	maxConnections int
	maxPerIP       int

	mu    sync.Mutex
	total int
	perIP map[string]int
}

func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		protocol:       protocol,
		maxConnections: maxConnections,
		maxPerIP:       maxPerIP,
		perIP:          make(map[string]int),
	}
}

// Accept registers a connection from ip and returns the function that
// releases it. The release function must be called exactly once.
func (cl *ConnectionLimiter) Accept(ip net.IP) (func(), error) {
	key := ip.String()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConnections > 0 && cl.total >= cl.maxConnections {
		return nil, fmt.Errorf("maximum connections reached (%d/%d)", cl.total, cl.maxConnections)
	}
	if cl.maxPerIP > 0 && cl.perIP[key] >= cl.maxPerIP {
		return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", key, cl.perIP[key], cl.maxPerIP)
	}
	cl.total++
	cl.perIP[key]++
	logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "ip", key,
		"total", cl.total, "max_total", cl.maxConnections, "per_ip", cl.perIP[key], "max_per_ip", cl.maxPerIP)

	var once sync.Once
	return func() {
		once.Do(func() { cl.release(key) })
	}, nil
}

func (cl *ConnectionLimiter) release(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.total--
	if cl.perIP[key] <= 1 {
		delete(cl.perIP, key)
	} else {
		cl.perIP[key]--
	}
}

// ConnectionStats is a snapshot of the limiter state.
type ConnectionStats struct {
	Protocol         string
	TotalConnections int
	MaxConnections   int
	MaxPerIP         int
	IPConnections    map[string]int
}

func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.total,
		MaxConnections:   cl.maxConnections,
		MaxPerIP:         cl.maxPerIP,
		IPConnections:    make(map[string]int, len(cl.perIP)),
	}
	for ip, n := range cl.perIP {
		stats.IPConnections[ip] = n
	}
	return stats
}
