// Package pollcache implements the PollCoalescer (C3): request-time
// deduplication of concurrent polls against the same external resource,
// backed by an in-flight single-flight cache and an LRU result cache with
// per-entry TTL and terminal-result latching.
package pollcache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocx/backend/internal/notifyerr"
	"github.com/ocx/backend/internal/notifymetrics"
)

// PollResult mirrors spec §3's PollResult data model.
type PollResult struct {
	ID       string
	Sequence int64
	Mutable  bool
	Value    interface{}
}

// Poller is the caller-supplied fetch function. It must return
// Mutable=false once the resource has reached a terminal state. Returning
// a value equal to current's (with the same mutability) keeps the current
// result and its sequence; a returned error reaches every coalesced caller.
type Poller func(ctx context.Context, id string, current *PollResult) (value interface{}, mutable bool, err error)

const (
	// MaxTTL is the TTL a terminal (mutable=false) result is extended to,
	// per spec §3.
	MaxTTL = 15 * time.Minute
)

// Config configures a Coalescer's capacity and default TTL.
type Config struct {
	MaxInFlight  int           // POLL_CACHE admission bound, default 10000
	MaxResults   int           // POLL_RESULT_CACHE LRU size, default 100
	DefaultTTL   time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10000
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 100
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	return c
}

// Coalescer is the PollCoalescer (C3).
type Coalescer struct {
	cfg     Config
	results *resultLRU
	group   singleflight.Group

	// inFlight tracks the count of distinct in-flight keys for admission
	// control, grounded on rate_limiter.go's read-first/double-check-lock
	// idiom but simplified to a mutex-guarded membership set whose size is
	// the in-flight count, since singleflight.Group already serializes
	// per-key fetches.
	mu          sync.Mutex
	inFlightSet map[string]struct{}

	metrics *notifymetrics.PollCacheMetrics
}

// New constructs a Coalescer. metrics may be nil, in which case metrics
// are not recorded (useful for tests).
func New(cfg Config, metrics *notifymetrics.PollCacheMetrics) *Coalescer {
	cfg = cfg.withDefaults()
	return &Coalescer{
		cfg:         cfg,
		results:     newResultLRU(cfg.MaxResults),
		inFlightSet: make(map[string]struct{}),
		metrics:     metrics,
	}
}

// PollInput is the payload for Poll.
type PollInput struct {
	ID       string
	Poller   Poller
	UseCache bool
}

// Poll implements spec §4.3's four-step poll() algorithm: cache
// short-circuit, admission control, single-flight coalescing, and the
// uncached fetch path with terminal-result latching and sequence
// advancement.
func (c *Coalescer) Poll(ctx context.Context, in PollInput) (*PollResult, error) {
	now := time.Now()

	// Step 1: cache short-circuit.
	if in.UseCache {
		if cached, ok := c.results.get(in.ID, now); ok {
			c.recordHit()
			return cached, nil
		}
	}
	c.recordMiss()

	// Step 2: admission control — only reject when this key would be a
	// *new* in-flight entry and capacity is already exhausted.
	if !c.admit(in.ID) {
		return nil, notifyerr.New(notifyerr.KindQuotaExceeded, "poll cache at capacity for resource "+in.ID)
	}
	defer c.release(in.ID)

	// Step 3: single-flight coalescing — concurrent Poll calls for the
	// same id share one fetchOnce invocation.
	start := time.Now()
	v, err, shared := c.group.Do(in.ID, func() (interface{}, error) {
		return c.fetchOnce(ctx, in.ID, in.Poller)
	})
	c.recordPollDuration(time.Since(start))
	if c.metrics != nil {
		c.metrics.ObserveShared(shared)
	}
	if err != nil {
		return nil, err
	}
	return v.(*PollResult), nil
}

// admit reserves an in-flight slot for id if one isn't already held,
// failing only when capacity is exhausted AND id isn't already in flight
// (a concurrent caller for the same id must never be quota-rejected, per
// spec's "no entry for id is in flight" carve-out).
func (c *Coalescer) admit(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, inFlight := c.inFlightSet[id]; inFlight {
		return true
	}
	if len(c.inFlightSet) >= c.cfg.MaxInFlight {
		if c.metrics != nil {
			c.metrics.IncQuotaRejection()
		}
		return false
	}
	c.inFlightSet[id] = struct{}{}
	if c.metrics != nil {
		c.metrics.SetInFlight(len(c.inFlightSet))
	}
	return true
}

func (c *Coalescer) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlightSet, id)
	if c.metrics != nil {
		c.metrics.SetInFlight(len(c.inFlightSet))
	}
}

// fetchOnce is the uncached fetch path (spec §4.3 step 4).
func (c *Coalescer) fetchOnce(ctx context.Context, id string, poller Poller) (*PollResult, error) {
	now := time.Now()
	current, hasCurrent := c.results.peek(id)

	if hasCurrent && !current.Mutable {
		c.results.touchTTL(id, MaxTTL, now)
		return current, nil
	}

	var sequence int64
	if hasCurrent {
		sequence = current.Sequence
	}

	value, mutable, err := poller(ctx, id, current)
	if err != nil {
		return nil, err
	}

	var result *PollResult
	if hasCurrent && valueEqual(value, current.Value) && mutable == current.Mutable {
		result = current
	} else {
		result = &PollResult{ID: id, Sequence: sequence + 1, Mutable: mutable, Value: value}
	}

	ttl := c.cfg.DefaultTTL
	if !mutable {
		ttl = MaxTTL
	}
	c.results.set(id, result, ttl, now)
	return result, nil
}

func valueEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

func (c *Coalescer) recordHit() {
	if c.metrics != nil {
		c.metrics.IncResultHit()
	}
}

func (c *Coalescer) recordMiss() {
	if c.metrics != nil {
		c.metrics.IncResultMiss()
	}
}

func (c *Coalescer) recordPollDuration(d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObservePollDuration(d.Seconds())
	}
}

// Stats returns introspection data, mirroring the teacher's Stats()
// convention.
func (c *Coalescer) Stats() map[string]interface{} {
	c.mu.Lock()
	inFlight := len(c.inFlightSet)
	c.mu.Unlock()

	stats := c.results.stats()
	stats["in_flight"] = inFlight
	stats["max_in_flight"] = c.cfg.MaxInFlight
	return stats
}
