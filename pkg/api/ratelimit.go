package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdleEviction is how long a caller may be silent before its
// limiter state is forgotten.
const clientIdleEviction = 10 * time.Minute

// commandLimiter enforces a per-client budget on the test command
// endpoints. Start and stop mutate a shared load generator, so a
// misbehaving dashboard tab must not be able to hammer them. Clients
// are tracked by IP and idle entries are evicted so the map does not
// grow with one-shot callers.
type commandLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientRate
	limit   rate.Limit
	burst   int
}

type clientRate struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCommandLimiter(requestsPerMinute int) *commandLimiter {
	cl := &commandLimiter{
		clients: make(map[string]*clientRate),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
	}

	go cl.evictIdle()

	return cl
}

// allow consumes one token from the caller's bucket, creating the
// bucket on first sight.
func (cl *commandLimiter) allow(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry, ok := cl.clients[ip]
	if !ok {
		entry = &clientRate{
			limiter: rate.NewLimiter(cl.limit, cl.burst),
		}
		cl.clients[ip] = entry
	}

	entry.lastSeen = time.Now()

	return entry.limiter.Allow()
}

func (cl *commandLimiter) evictIdle() {
	ticker := time.NewTicker(clientIdleEviction / 2)
	defer ticker.Stop()

	for range ticker.C {
		cl.mu.Lock()

		for ip, entry := range cl.clients {
			if time.Since(entry.lastSeen) > clientIdleEviction {
				delete(cl.clients, ip)
			}
		}

		cl.mu.Unlock()
	}
}

// rateLimitMiddleware refuses command requests beyond the per-IP budget.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	limiter := newCommandLimiter(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller's address, honoring the first hop of a
// proxy chain.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}

		return strings.TrimSpace(xff)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
