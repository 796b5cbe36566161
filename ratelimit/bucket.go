// Package ratelimit provides the per-service token buckets the Chunk
// Processor's rate-limit discipline (§4.4/§5) enforces. Buckets are
// process-local by design (§5 "Shared-resource policy") — coordinating a
// ceiling across worker processes is an operational concern (fractional
// share configuration), not a runtime one.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a named token bucket sized at a requests-per-minute ceiling.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket constructs a Bucket allowing ratePerMinute requests per minute,
// with a burst equal to the per-minute rate so a cold start can spend its
// whole first minute's budget immediately.
func NewBucket(ratePerMinute int) *Bucket {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	perSecond := rate.Limit(float64(ratePerMinute) / 60.0)
	return &Bucket{limiter: rate.NewLimiter(perSecond, ratePerMinute)}
}

// Wait blocks until a token is available or ctx is cancelled (§4.4 "callers
// wait if depleted").
func (b *Bucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Registry hands out one Bucket per service, shared by every chunk
// currently fetching from that service (§5: the bucket is sized at one
// service's rate_limit, not one chunk's).
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Get returns the Bucket for service, creating one sized at ratePerMinute
// on first use. Subsequent calls for the same service ignore ratePerMinute
// and return the existing bucket — the rate is fixed at the service's first
// registration for this process's lifetime.
func (r *Registry) Get(service string, ratePerMinute int) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[service]; ok {
		return b
	}
	b := NewBucket(ratePerMinute)
	r.buckets[service] = b
	return b
}

// RetryAfterDelay parses a Retry-After header value, honored verbatim per
// §4.4 "Respect Retry-After headers verbatim" rather than folded into the
// token bucket.
func RetryAfterDelay(headerValue string) (time.Duration, bool) {
	if headerValue == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(headerValue); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := time.Parse(time.RFC1123, headerValue); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
