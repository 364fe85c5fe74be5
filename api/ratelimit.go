package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// enrollRateLimiter tracks rejected enrollment tokens per source IP and
// applies exponential backoff, so invitation tokens cannot be guessed by
// brute force.
type enrollRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// enrollMaxFailures is the number of rejected tokens before lockout begins.
	enrollMaxFailures = 10
	enrollBaseLockout = 1 * time.Minute
	enrollMaxLockout  = 30 * time.Minute
	// attemptExpiry is how long after the last failure a record is forgotten.
	attemptExpiry = 1 * time.Hour
	// sweepThreshold bounds the map before stale records are dropped inline.
	sweepThreshold = 4096
)

func newEnrollRateLimiter() *enrollRateLimiter {
	return &enrollRateLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether ip is locked out and for how long.
func (rl *enrollRateLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *enrollRateLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.attempts) >= sweepThreshold {
		rl.sweepLocked(now)
	}
	rec, ok := rl.attempts[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[ip] = rec
	}
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= enrollMaxFailures {
		lockout := enrollBaseLockout
		for i := 0; i < rec.failures-enrollMaxFailures; i++ {
			lockout *= 2
			if lockout > enrollMaxLockout {
				lockout = enrollMaxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *enrollRateLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// sweepLocked removes records whose last failure is older than attemptExpiry.
func (rl *enrollRateLimiter) sweepLocked(now time.Time) {
	for ip, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, ip)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many invalid enrollment attempts; try again later")
}

// clientIP returns the peer address of the request. Proxy headers are not
// consulted; deployments behind a reverse proxy should rate limit there.
func clientIP(r *http.Request) string {
	s := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String()
	}
	return s
}
