package transport

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	rateWindow        = time.Minute
	rateSweepInterval = 5 * time.Minute
)

// rateLimiter caps requests per remote host over a sliding one minute
// window. A nil limiter allows everything.
type rateLimiter struct {
	max       int
	hits      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
	mu        sync.Mutex
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &rateLimiter{
		max:       perMinute,
		hits:      make(map[string][]time.Time),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// allow records a request from host and reports whether it fits the window.
// When it does not, retryAfter is the wait until the oldest hit expires.
func (l *rateLimiter) allow(host string) (ok bool, retryAfter time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= rateSweepInterval {
		l.sweep(now)
	}

	recent := prune(l.hits[host], now)
	if len(recent) >= l.max {
		l.hits[host] = recent
		return false, rateWindow - now.Sub(recent[0])
	}
	l.hits[host] = append(recent, now)
	return true, 0
}

func (l *rateLimiter) sweep(now time.Time) {
	for host, hits := range l.hits {
		if recent := prune(hits, now); len(recent) == 0 {
			delete(l.hits, host)
		} else {
			l.hits[host] = recent
		}
	}
	l.lastSweep = now
}

// prune drops hits older than the window. hits are in arrival order.
func prune(hits []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= rateWindow {
		i++
	}
	return hits[i:]
}

// admit applies the limiter to r, writing a 429 when the peer is over.
func (l *rateLimiter) admit(w http.ResponseWriter, r *http.Request) bool {
	ok, wait := l.allow(remoteHost(r.RemoteAddr))
	if ok {
		return true
	}
	secs := int((wait + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, "too many requests", http.StatusTooManyRequests)
	return false
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
