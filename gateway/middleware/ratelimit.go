package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleBucketTTL bounds how long an unused bucket is kept.
const idleBucketTTL = 5 * time.Minute

// RateLimit is a token bucket: RatePerSecond refill with Burst capacity.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles each route group per client. Authenticated callers
// are keyed by account, anonymous callers by address.
type RateLimiter struct {
	logger    *log.Logger
	limits    map[string]RateLimit
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	clockNow  func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		buckets:  make(map[string]*bucket),
		clockNow: time.Now,
	}
}

// Middleware applies the limit registered under key. Unknown keys pass
// through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			client := clientID(req)
			if !r.allow(key+"|"+client, limit) {
				r.logger.Printf("rate limit: %s exceeded %s", client, key)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limit)))
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(id string, cfg RateLimit) bool {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) >= idleBucketTTL {
		for key, b := range r.buckets {
			if now.Sub(b.lastSeen) >= idleBucketTTL {
				delete(r.buckets, key)
			}
		}
		r.lastSweep = now
	}
	b, ok := r.buckets[id]
	if !ok {
		perSecond := cfg.RatePerSecond
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.buckets[id] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func retryAfterSeconds(cfg RateLimit) int {
	if cfg.RatePerSecond <= 0 || cfg.RatePerSecond >= 1 {
		return 1
	}
	return int(1/cfg.RatePerSecond + 0.5)
}

// clientID keys the limiter by authenticated account, falling back to the
// caller's address.
func clientID(r *http.Request) string {
	if account, ok := AccountFromContext(r.Context()); ok {
		return "account:" + account
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
