// Package ratelimit throttles API clients per endpoint with token buckets.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `koanf:"enabled"`
	// DefaultLimit requests per DefaultWindow apply to endpoints without their own entry
	DefaultLimit    int           `koanf:"default_limit" validate:"gte=0"`
	DefaultWindow   time.Duration `koanf:"default_window" validate:"gte=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	// IdleTTL is how long an unused bucket is kept
	IdleTTL   time.Duration    `koanf:"idle_ttl"`
	Allowlist []string         `koanf:"allowlist"`
	Denylist  []string         `koanf:"denylist"`
	Endpoints []EndpointConfig `koanf:"-"`
}

// EndpointConfig limits one method on a path. A path ending in "/" matches by prefix.
type EndpointConfig struct {
	Path   string
	Method string
	Limit  int
	Window time.Duration
	// Burst defaults to Limit
	Burst int
}

// DefaultConfig returns the limits used by the survey API
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		DefaultLimit:    600,
		DefaultWindow:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         time.Hour,
		Endpoints:       DefaultEndpoints(),
	}
}

// DefaultEndpoints returns the per-endpoint limits. Starting a run drives LLM calls, so it is the strictest.
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Path: "/runs", Method: "POST", Limit: 20, Window: time.Hour, Burst: 5},
		{Path: "/runs/", Method: "POST", Limit: 120, Window: time.Minute, Burst: 20},
		{Path: "/health", Method: "GET"},
		{Path: "/metrics", Method: "GET"},
	}
}

// MatchEndpoint returns the configuration for a request, or nil when only the default applies.
// Exact paths win over prefixes.
func MatchEndpoint(path, method string, configs []EndpointConfig) *EndpointConfig {
	for i := range configs {
		if configs[i].Method == method && configs[i].Path == path {
			return &configs[i]
		}
	}
	for i := range configs {
		c := &configs[i]
		if c.Method == method && strings.HasSuffix(c.Path, "/") && strings.HasPrefix(path, c.Path) {
			return c
		}
	}
	return nil
}

// Info describes the bucket a request was charged against
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client and endpoint.
type Limiter struct {
	cfg   Config
	allow map[string]bool
	deny  map[string]bool
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and starts its cleanup loop when enabled
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		allow:   toSet(cfg.Allowlist),
		deny:    toSet(cfg.Denylist),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = true
		}
	}
	return set
}

// Allow charges one request from clientID against the endpoint's bucket.
func (l *Limiter) Allow(clientID, path, method string) Info {
	if !l.cfg.Enabled || l.allow[clientID] {
		return Info{Allowed: true}
	}
	if l.deny[clientID] {
		return Info{Allowed: false}
	}

	ep := MatchEndpoint(path, method, l.cfg.Endpoints)
	if ep == nil {
		ep = &EndpointConfig{Path: "*", Method: method, Limit: l.cfg.DefaultLimit, Window: l.cfg.DefaultWindow}
	}
	if ep.Limit <= 0 || ep.Window <= 0 {
		return Info{Allowed: true}
	}

	now := l.now()
	lim := l.bucketFor(clientID+" "+ep.Method+" "+ep.Path, ep, now)
	if lim.AllowN(now, 1) {
		return Info{Allowed: true, Limit: ep.Limit, Remaining: int(lim.TokensAt(now))}
	}

	r := lim.ReserveN(now, 1)
	retry := r.DelayFrom(now)
	r.CancelAt(now)
	return Info{Allowed: false, Limit: ep.Limit, RetryAfter: retry}
}

func (l *Limiter) bucketFor(key string, ep *EndpointConfig, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		burst := ep.Burst
		if burst <= 0 {
			burst = ep.Limit
		}
		every := rate.Limit(float64(ep.Limit) / ep.Window.Seconds())
		b = &bucket{limiter: rate.NewLimiter(every, burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets idle for longer than IdleTTL
func (l *Limiter) cleanup() {
	ttl := l.cfg.IdleTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cutoff := l.now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the cleanup loop
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
