package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leaderboard/gateway/auth"
	"leaderboard/observability"
)

const visitorIdleTimeout = 5 * time.Minute

type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// visitorKey identifies one bucket. Signed requests carry the recovered
// caller address and leave ip empty.
type visitorKey struct {
	route  string
	caller [20]byte
	ip     string
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients per route key. Authenticated callers are keyed
// by address, everyone else by the connection's remote IP. Forwarding headers
// are client-controlled and never consulted.
type RateLimiter struct {
	logger    *slog.Logger
	limits    map[string]RateLimit
	mu        sync.Mutex
	visitors  map[visitorKey]*rateEntry
	lastSweep time.Time
	clockNow  func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[visitorKey]*rateEntry),
		clockNow: time.Now,
	}
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			visitor := visitorFor(key, req)
			if !r.obtainLimiter(visitor, limit).AllowN(r.clockNow(), 1) {
				observability.HTTP().RecordThrottle(key, "rate_limit")
				r.logger.Debug("request throttled", slog.String("route", key), slog.String("client", visitor.String()))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id visitorKey, cfg RateLimit) *rate.Limiter {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	entry, ok := r.visitors[id]
	if ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < time.Minute {
		return
	}
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > visitorIdleTimeout {
			delete(r.visitors, id)
		}
	}
	r.lastSweep = now
}

func visitorFor(route string, r *http.Request) visitorKey {
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		return visitorKey{route: route, caller: principal.Address}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return visitorKey{route: route, ip: host}
}

func (k visitorKey) String() string {
	if k.ip != "" {
		return k.route + "|" + k.ip
	}
	return k.route + "|" + auth.Principal{Address: k.caller}.Hex()
}
