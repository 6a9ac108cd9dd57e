package proxy

import (
	"math"
	"sync"
	"time"
)

// bucketRegistry holds one token bucket per key, created lazily on
// first use with lock-free reads. Buckets for different keys proceed
// independently; a single bucket's refill-and-consume is serialised
// by its own mutex.
type bucketRegistry struct {
	buckets sync.Map // map[string]*bucketState
}

func newBucketRegistry() *bucketRegistry {
	return &bucketRegistry{}
}

// consumeResult is the outcome of tryConsume.
type consumeResult struct {
	Allowed    bool
	RetryAfter int // seconds, only meaningful when !Allowed
}

// tryConsume refills the bucket for key up to burst at rate rps
// tokens/sec since its last refill, then attempts to take one token.
// rps/burst are re-read from the arguments on every call so a rule
// edited live takes effect immediately.
func (br *bucketRegistry) tryConsume(key string, rps, burst int) consumeResult {
	b := br.getOrCreate(key, burst)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rps = float64(rps)
	b.burst = float64(burst)

	now := time.Now()
	elapsedSec := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsedSec * b.rps
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	if b.tokens >= 1 {
		b.tokens--
		return consumeResult{Allowed: true}
	}

	retryAfter := 1
	if b.rps > 0 {
		retryAfter = int(math.Ceil((1 - b.tokens) / b.rps))
		if retryAfter < 1 {
			retryAfter = 1
		}
	}
	return consumeResult{Allowed: false, RetryAfter: retryAfter}
}

func (br *bucketRegistry) getOrCreate(key string, burst int) *bucketState {
	if v, ok := br.buckets.Load(key); ok {
		return v.(*bucketState)
	}
	fresh := &bucketState{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		burst:      float64(burst),
	}
	actual, _ := br.buckets.LoadOrStore(key, fresh)
	return actual.(*bucketState)
}

// clearAll resets the registry. Test-only, per the token bucket spec.
func (br *bucketRegistry) clearAll() {
	br.buckets.Range(func(key, _ any) bool {
		br.buckets.Delete(key)
		return true
	})
}
