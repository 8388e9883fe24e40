package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/utils"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles API ingress per client IP with a token bucket
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter allows perSecond requests per client with the given burst
func NewRateLimiter(perSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

// Handler rejects requests over the client's budget with 429
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		limiter := rl.limiterFor(key)
		if !limiter.AllowN(rl.now(), 1) {
			rl.logger.Warn("ingress rate limit exceeded",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("client", key))
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			_ = utils.WriteTooManyRequests(w, services.ErrRateLimitExceeded.Message, map[string]interface{}{
				"limit_per_second": float64(rl.limit),
				"burst":            rl.burst,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the wait in whole seconds until one token is back
func (rl *RateLimiter) retryAfter() int {
	if rl.limit > 0 && rl.limit < 1 {
		return int(math.Ceil(1 / float64(rl.limit)))
	}
	return 1
}

// Cleanup forgets clients idle for longer than idle and returns how many
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker runs Cleanup every interval until stopCh is closed
func (rl *RateLimiter) StartCleanupWorker(interval, idle time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := rl.Cleanup(idle); n > 0 {
				rl.logger.Debug("forgot idle clients", zap.Int("removed", n))
			}
		case <-stopCh:
			return
		}
	}
}

// clientIP uses RemoteAddr, which chi's RealIP middleware rewrites from
// forwarding headers
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
