// Package watchscheduler implements the WatchScheduler (C4): a single
// per-process sweep loop that periodically leases eligible WatchRecords,
// runs their registered watcher functions, and writes results back to the
// WatchStore via optimistic sequencing.
//
// The sweep loop shape follows
// internal/security/continuous_eval.go's ticker/stopCh goroutine, and the
// per-record parallel fan-out follows internal/webhooks/dispatcher.go's
// worker pool, adapted from a persistent queue to a per-tick WaitGroup
// since scheduler ticks are not cancellable mid-record.
package watchscheduler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/notifyerr"
	"github.com/ocx/backend/internal/notifymetrics"
	"github.com/ocx/backend/internal/watchstore"
)

// WatcherResult is what a registered Watcher function returns.
type WatcherResult struct {
	// Value, when non-nil, is written back via a CAS update. A nil Value
	// means "no-op": no update is written and the lease is left to
	// expire on its own (spec §4.4 step 5's "value === undefined").
	Value   interface{}
	Mutable bool
}

// Watcher is a registered watcher function: name → function(record).
type Watcher func(ctx context.Context, record *watchstore.WatchRecord) (WatcherResult, error)

// Config configures sweep cadence and lease behavior.
type Config struct {
	LockExpiry      time.Duration // default 5s
	BaselineDelay   time.Duration // default 1s
	SweepLimit      int           // default 10
	LockExpiryFunc  func() time.Time
	RescheduleFunc  func(delay time.Duration) <-chan time.Time
}

func (c Config) withDefaults() Config {
	if c.LockExpiry <= 0 {
		c.LockExpiry = 5 * time.Second
	}
	if c.BaselineDelay <= 0 {
		c.BaselineDelay = time.Second
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 10
	}
	if c.LockExpiryFunc == nil {
		c.LockExpiryFunc = func() time.Time { return time.Now().Add(c.LockExpiry) }
	}
	if c.RescheduleFunc == nil {
		c.RescheduleFunc = func(delay time.Duration) <-chan time.Time { return time.After(delay) }
	}
	return c
}

// Scheduler is the WatchScheduler (C4).
type Scheduler struct {
	store watchstore.Store
	cfg   Config

	mu       sync.RWMutex
	watchers map[string]Watcher

	metrics *notifymetrics.SchedulerMetrics
	logger  *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	backoffMu     sync.Mutex
	consecutiveEmpty int
}

// New constructs a Scheduler bound to store. Watchers must be registered
// via Register before Start is called; the registry is expected to be
// written only during startup (spec §5).
func New(store watchstore.Store, cfg Config, metrics *notifymetrics.SchedulerMetrics) *Scheduler {
	return &Scheduler{
		store:    store,
		cfg:      cfg.withDefaults(),
		watchers: make(map[string]Watcher),
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[WATCHSCHEDULER] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register adds a named watcher function to the WATCHERS registry.
func (s *Scheduler) Register(name string, w Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[name] = w
}

func (s *Scheduler) lookup(name string) (Watcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.watchers[name]
	return w, ok
}

// Start begins the background sweep loop. The first tick fires after one
// baseline delay.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		delay := s.cfg.BaselineDelay
		for {
			select {
			case <-s.cfg.RescheduleFunc(delay):
				delay = s.tick(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop. In-flight ticks complete; the loop is not
// rescheduled afterward (spec §5's cancellation note).
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// tick runs exactly one sweep, per spec §4.4's seven-step algorithm, and
// returns the delay before the next tick.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
	}

	marked, err := s.lease(ctx)
	if err != nil {
		s.logger.Printf("sweep: lease step failed: %v", err)
		if s.metrics != nil {
			s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
		return s.nextDelay(0)
	}

	delay := s.nextDelay(marked.count)

	if marked.count > 0 {
		records, err := s.store.Find(ctx,
			watchstore.FindQuery{WatcherLockID: &marked.leaseID},
			watchstore.FindOptions{Limit: s.cfg.SweepLimit})
		if err != nil {
			s.logger.Printf("sweep: find leased records failed: %v", err)
		} else {
			s.processAll(ctx, records)
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		s.metrics.RescheduleDelay.Set(float64(delay.Milliseconds()))
	}
	return delay
}

type leaseResult struct {
	leaseID string
	count   int
}

// lease implements steps 1-2: mint a fresh lease and mark up to
// SweepLimit eligible records with it.
func (s *Scheduler) lease(ctx context.Context) (leaseResult, error) {
	leaseID := uuid.NewString()
	lockExpiry := s.cfg.LockExpiryFunc()

	n, err := s.store.Mark(ctx, watchstore.MarkInput{
		WatcherLock: watchstore.WatcherLock{ID: leaseID, Expires: lockExpiry},
		Limit:       s.cfg.SweepLimit,
	})
	if err != nil {
		return leaseResult{}, err
	}
	if s.metrics != nil && n > 0 {
		s.metrics.RecordsMarked.Add(float64(n))
	}
	return leaseResult{leaseID: leaseID, count: n}, nil
}

// nextDelay implements step 3, including P7's exponential backoff on
// consecutive empty sweeps.
func (s *Scheduler) nextDelay(marked int) time.Duration {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()

	if marked >= s.cfg.SweepLimit {
		s.consecutiveEmpty = 0
		return 0
	}
	if marked == 0 {
		s.consecutiveEmpty++
		return s.cfg.BaselineDelay * time.Duration(1<<uint(min(s.consecutiveEmpty, 20)))
	}
	s.consecutiveEmpty = 0
	return s.cfg.BaselineDelay
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// processAll implements steps 4-6: run each leased record's watcher
// concurrently, writing back via CAS, with all per-record failures
// swallowed into a log line.
func (s *Scheduler) processAll(ctx context.Context, records []*watchstore.WatchRecord) {
	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func(rec *watchstore.WatchRecord) {
			defer wg.Done()
			s.processOne(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

func (s *Scheduler) processOne(ctx context.Context, rec *watchstore.WatchRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("sweep: watcher %q panicked on %q: %v", rec.Watch.Watcher, rec.Watch.ID, r)
			if s.metrics != nil {
				s.metrics.RecordsFailed.Inc()
			}
		}
	}()

	watcher, ok := s.lookup(rec.Watch.Watcher)
	if !ok {
		s.logger.Printf("sweep: unregistered watcher %q for %q, lease left to expire", rec.Watch.Watcher, rec.Watch.ID)
		return
	}

	result, err := watcher(ctx, rec)
	if err != nil {
		s.logger.Printf("sweep: watcher %q failed on %q: %v", rec.Watch.Watcher, rec.Watch.ID, err)
		if s.metrics != nil {
			s.metrics.RecordsFailed.Inc()
		}
		return
	}
	if result.Value == nil {
		return
	}

	encoded, err := encodeValue(result.Value)
	if err != nil {
		s.logger.Printf("sweep: encode value failed on %q: %v", rec.Watch.ID, err)
		if s.metrics != nil {
			s.metrics.RecordsFailed.Inc()
		}
		return
	}
	newWatch := rec.Watch
	newWatch.Sequence = rec.Watch.Sequence + 1
	newWatch.Value = encoded

	if _, err := s.store.Update(ctx, newWatch); err != nil {
		if notifyerr.Is(err, notifyerr.KindInvalidState) {
			s.logger.Printf("sweep: sequence conflict on %q, deferring to next sweep", rec.Watch.ID)
		} else {
			s.logger.Printf("sweep: update failed on %q: %v", rec.Watch.ID, err)
		}
		if s.metrics != nil {
			s.metrics.RecordsFailed.Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordsProcessed.Inc()
	}
}

func encodeValue(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}
