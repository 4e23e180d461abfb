package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// maxTrackedCallers caps the bucket map so a scan across many source
// addresses cannot exhaust memory. New callers beyond the cap are
// rejected until cleanup frees slots.
const maxTrackedCallers = 100_000

// RateLimiter throttles the admin and ingest API per caller IP with a
// token bucket. Admission checks sit on callers' request paths, so the
// limiter sheds abusive sources before they reach the pricing store.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*tokenBucket
	rate    float64 // sustained requests per second
	burst   int
	now     func() time.Time
}

type tokenBucket struct {
	tokens   float64
	refilled time.Time // last refill instant
	lastUsed time.Time // cleanup marker
}

// NewRateLimiter creates a limiter with the given sustained rate
// (requests per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		callers: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   burst,
		now:     time.Now,
	}
}

// Handler returns HTTP middleware enforcing the per-caller limit.
// Rejections carry Retry-After and a JSON body in the API's error shape.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.take(callerIP(r))

		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", rl.now().Add(time.Second).Unix()))

		if !allowed {
			secs := int(math.Ceil(retryAfter))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after_seconds":%d}`, secs)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take consumes one token for the caller. Returns the remaining whole
// tokens, the seconds until a token frees up, and whether the request
// may proceed.
func (rl *RateLimiter) take(caller string) (remaining int, retryAfter float64, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.callers[caller]
	if !ok {
		if len(rl.callers) >= maxTrackedCallers {
			return 0, 1.0 / rl.rate, false
		}
		b = &tokenBucket{
			tokens:   float64(rl.burst) - 1, // this request
			refilled: now,
			lastUsed: now,
		}
		rl.callers[caller] = b
		return int(b.tokens), 0, true
	}

	b.tokens += now.Sub(b.refilled).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.refilled = now
	b.lastUsed = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}

	b.tokens--
	return int(b.tokens), 0, true
}

// StartCleanup spawns a goroutine that drops buckets idle longer than
// maxIdle, checking every interval. The returned func stops it.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for caller, b := range rl.callers {
		if b.lastUsed.Before(cutoff) {
			delete(rl.callers, caller)
		}
	}
}

// Len returns the number of tracked callers, for metrics and tests.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.callers)
}

// callerIP keys buckets by RemoteAddr only. X-Forwarded-For and
// X-Real-Ip are attacker-controlled and would let one source claim
// arbitrarily many buckets.
func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
