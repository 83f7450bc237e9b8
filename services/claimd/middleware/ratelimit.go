package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds requests per client for one route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"rpm"`
	Burst             int     `yaml:"burst"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets keyed by route group.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	idleTTL  time.Duration
	now      func() time.Time
	mu       sync.Mutex
	visitors map[string]*visitor
	swept    time.Time
}

// NewRateLimiter constructs a limiter for the supplied route groups.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		idleTTL:  5 * time.Minute,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware enforces the limit configured for group. Groups without a limit pass through.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok || limit.RequestsPerMinute <= 0 {
				next.ServeHTTP(w, req)
				return
			}
			client := clientID(req)
			if !r.limiter(group+"|"+client, limit).Allow() {
				r.logger.Warn("rate limit exceeded", slog.String("group", group), slog.String("client", client))
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) limiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.evictLocked(now)
	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst), lastSeen: now}
	r.visitors[id] = v
	return v.limiter
}

func (r *RateLimiter) evictLocked(now time.Time) {
	if now.Sub(r.swept) < time.Minute {
		return
	}
	r.swept = now
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
