package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// QPSLimiter caps requests per second per client address. qps <= 0 lets
// everything through.
type QPSLimiter struct {
	qps int

	mu      sync.Mutex
	clients map[string]*clientLimiter
	lastGC  time.Time
	now     func() time.Time
}

func NewQPSLimiter(qps int) *QPSLimiter {
	return &QPSLimiter{
		qps:     qps,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (l *QPSLimiter) Allow(client string) bool {
	if l.qps <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > idleLimiterTTL {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > idleLimiterTTL {
				delete(l.clients, k)
			}
		}
		l.lastGC = now
	}

	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.qps), l.qps)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// RateLimit rejects requests over the per-client QPS with 429. It expects
// chi's RealIP to have normalized RemoteAddr.
func RateLimit(l *QPSLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientAddr(r)) {
				qpsLimited.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message": "rate limit exceeded",
						"type":    "rate_limit_error",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
