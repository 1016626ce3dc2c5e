package authapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter throttles credential endpoints per client address. Idle
// entries are pruned so the map does not grow with the address space.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*ipClient
}

type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const ipIdleTTL = 10 * time.Minute

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*ipClient),
	}
}

// allow reports whether the address may make another attempt now.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.clients[ip]
	if !ok {
		c = &ipClient{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	if len(l.clients) > 1024 {
		l.pruneLocked(now)
	}
	return c.limiter.Allow()
}

func (l *ipLimiter) pruneLocked(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > ipIdleTTL {
			delete(l.clients, ip)
		}
	}
}
