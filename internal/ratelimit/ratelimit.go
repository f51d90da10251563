// Package ratelimit provides a per-key token bucket rate limiter middleware
// for net/http, one golang.org/x/time/rate.Limiter per client IP with
// LRU eviction once the tracked-key count exceeds a cap.
package ratelimit

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Limiter is a per-IP token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*list.Element // key -> list element (whose Value is *entry)
	lru      *list.List               // front = most recently used, back = least recently used
	rate     int                      // tokens added per interval
	burst    int                      // max tokens (bucket capacity)
	interval time.Duration            // refill interval
	maxKeys  int                      // max entries before evicting LRU
	stop     chan struct{}
	counter  prometheus.Counter // optional: incremented on each 429
}

// entry is stored in each list element, pairing the key with its limiter.
type entry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a rate limiter. rate is requests per interval; burst is the
// maximum burst size. An optional Prometheus counter is incremented on each
// rejected request (pass nil to disable).
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*list.Element),
		lru:      list.New(),
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  100000, // default cap: 100k unique IPs
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	// Periodically clean up stale entries.
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// WithMaxKeys sets the maximum number of tracked keys before LRU eviction.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		l.maxKeys = n
	}
}

// Allow reports whether the given key is within the global rate limit.
// It uses the rate and burst values configured at construction time.
func (l *Limiter) Allow(key string) bool {
	return l.allow(key)
}

// AllowCustom reports whether the given key is within a custom rate limit.
// rate and burst override the limiter's global defaults when a bucket for
// this key does not already exist. When rate <= 0, the request is always
// allowed (unlimited).
func (l *Limiter) AllowCustom(key string, rate, burst int) bool {
	if rate <= 0 {
		return true // unlimited
	}
	lim := l.limiterFor(key, rate, burst)
	return lim.Allow()
}

// Middleware returns an http.Handler middleware that enforces rate limits per
// client IP (using X-Real-IP or RemoteAddr).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	lim := l.limiterFor(key, l.rate, l.burst)
	return lim.Allow()
}

// limiterFor returns the rate.Limiter bucket for key, creating one (with the
// given per-key rate/burst) on first access and evicting the least recently
// used bucket if the tracked-key cap has been reached.
func (l *Limiter) limiterFor(key string, r, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(elem)
		e := elem.Value.(*entry)
		e.lastAccess = time.Now()
		return e.limiter
	}

	if len(l.buckets) >= l.maxKeys {
		l.evictOldest()
	}
	e := &entry{
		key:        key,
		limiter:    rate.NewLimiter(perSecond(r, l.interval), burst),
		lastAccess: time.Now(),
	}
	elem := l.lru.PushFront(e)
	l.buckets[key] = elem
	return e.limiter
}

// perSecond converts an "r tokens per interval" configuration into the
// events-per-second rate.Limit rate.Limiter expects.
func perSecond(r int, interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Limit(r)
	}
	return rate.Limit(float64(r) / interval.Seconds())
}

// evictOldest removes the least recently used bucket (back of the list).
// Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	back := l.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	delete(l.buckets, e.key)
	l.lru.Remove(back)
}

// UpdateLimits changes the rate and burst parameters at runtime, applying
// them immediately to every existing per-key bucket as well as to buckets
// created afterward.
func (l *Limiter) UpdateLimits(rate, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	l.burst = burst
	limit := perSecond(rate, l.interval)
	for elem := l.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		e.limiter.SetLimit(limit)
		e.limiter.SetBurst(burst)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			// Walk from back (oldest) and remove stale entries.
			for elem := l.lru.Back(); elem != nil; {
				e := elem.Value.(*entry)
				prev := elem.Prev()
				if e.lastAccess.Before(cutoff) {
					delete(l.buckets, e.key)
					l.lru.Remove(elem)
				}
				elem = prev
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
