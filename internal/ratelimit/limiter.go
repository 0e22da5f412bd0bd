// Package ratelimit provides token-bucket rate limiting keyed by tenant and
// resource (for example a tool name).
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the sustained rate allowed per key.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5.0,
		BurstSize:         10,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full token bucket.
func NewBucket(config Config) *Bucket {
	return newBucket(config, time.Now)
}

func newBucket(config Config, now func() time.Time) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill must be called with the lock held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// WaitTime returns how long until a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

func (b *Bucket) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens >= b.maxTokens*0.9
}

// Limiter manages buckets keyed by tenant and resource. It is shared by all
// units of work; buckets for different keys never contend.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*Bucket
	config    Config
	overrides map[string]Config
	maxKeys   int
	now       func() time.Time
}

// NewLimiter creates a limiter. overrides maps a resource name to its own
// config; resources without an override use config.
func NewLimiter(config Config, overrides map[string]Config) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*Bucket),
		config:    config,
		overrides: overrides,
		maxKeys:   10000,
		now:       time.Now,
	}
}

// Allow reports whether tenant may use resource now, consuming a token if so.
func (l *Limiter) Allow(tenantID, resource string) bool {
	if l == nil || !l.config.Enabled {
		return true
	}
	return l.bucket(tenantID, resource).Allow()
}

// WaitTime returns how long tenant must wait before using resource.
func (l *Limiter) WaitTime(tenantID, resource string) time.Duration {
	if l == nil || !l.config.Enabled {
		return 0
	}
	return l.bucket(tenantID, resource).WaitTime()
}

// Reset drops the bucket for tenant and resource.
func (l *Limiter) Reset(tenantID, resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, Key(tenantID, resource))
}

func (l *Limiter) bucket(tenantID, resource string) *Bucket {
	key := Key(tenantID, resource)

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	config := l.config
	if override, ok := l.overrides[resource]; ok {
		config = override
	}
	b = newBucket(config, l.now)
	l.buckets[key] = b
	return b
}

// prune removes nearly full buckets, which belong to inactive keys.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.idle() {
			delete(l.buckets, key)
		}
	}
}

// Key joins a tenant and resource into a limiter key.
func Key(tenantID, resource string) string {
	return strings.Join([]string{tenantID, resource}, ":")
}
