package watchstore

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
)

// purgeInterval is how often the background loop sweeps for expired
// records. Unlike Postgres/Redis, which can rely on native TTL or a cron
// job, MemoryStore has to reclaim its own map entries.
const purgeInterval = time.Minute

// MemoryStore is an in-process reference implementation of Store, built on
// a single mutex-guarded map keyed by watch id; there is no secondary
// index, so Find and Mark scan every record. Suitable for tests and
// single-process deployments; offers no durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*WatchRecord
	logger  *log.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMemoryStore constructs an empty MemoryStore and starts its background
// expired-record purge loop. Call Close to stop the loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*WatchRecord),
		logger:  log.New(log.Writer(), "[WATCHSTORE] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.purgeLoop()
	return s
}

func (s *MemoryStore) purgeLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.purgeExpired(time.Now()); n > 0 {
				s.logger.Printf("purged %d expired watch record(s)", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the background purge loop. Safe to call at most once.
func (s *MemoryStore) Close() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *MemoryStore) Create(_ context.Context, in CreateInput) (*WatchRecord, error) {
	now := time.Now()
	if err := ValidateCreate(in, now); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[in.ID]; exists {
		return nil, notifyerr.New(notifyerr.KindDuplicate, "watch id already exists: "+in.ID)
	}

	rec := &WatchRecord{
		Watch: Watch{
			ID:       in.ID,
			Sequence: 0,
			Watcher:  in.Watcher,
			Value:    nil,
			Expires:  in.Expires,
		},
		Meta: Meta{Created: now, Updated: now},
	}
	s.records[in.ID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*WatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, notifyerr.New(notifyerr.KindNotFound, "watch not found: "+id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Find(_ context.Context, query FindQuery, opts FindOptions) ([]*WatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := query.EligibleAsOf
	if now.IsZero() {
		now = time.Now()
	}

	var out []*WatchRecord
	for _, rec := range s.records {
		if !matches(rec, query, now) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func matches(rec *WatchRecord, q FindQuery, now time.Time) bool {
	if q.ID != nil && rec.Watch.ID != *q.ID {
		return false
	}
	if q.ExpiresBefore != nil && !rec.Watch.Expires.Before(*q.ExpiresBefore) {
		return false
	}
	if q.WatcherLockID != nil {
		if rec.Meta.WatcherLock == nil || rec.Meta.WatcherLock.ID != *q.WatcherLockID {
			return false
		}
	}
	if q.WatcherLockExpires != nil {
		if rec.Meta.WatcherLock == nil || !rec.Meta.WatcherLock.Expires.Equal(*q.WatcherLockExpires) {
			return false
		}
	}
	if q.WatcherLockAbsent && rec.Meta.WatcherLock != nil {
		return false
	}
	if q.WatcherLockEligible && !rec.Meta.WatcherLock.Expired(now) {
		return false
	}
	return true
}

func (s *MemoryStore) Update(_ context.Context, watch Watch) (*WatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[watch.ID]
	if !ok {
		return nil, notifyerr.New(notifyerr.KindNotFound, "watch not found: "+watch.ID)
	}
	expected := watch.Sequence - 1
	if rec.Watch.Sequence != expected {
		return nil, notifyerr.New(notifyerr.KindInvalidState, "sequence conflict: expected "+strconv.FormatInt(expected, 10))
	}

	rec.Watch = watch
	rec.Meta.Updated = time.Now()
	s.records[watch.ID] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Mark(_ context.Context, in MarkInput) (int, error) {
	in = normalizeMarkInput(in)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID != "" {
		rec, ok := s.records[in.ID]
		if !ok {
			return 0, notifyerr.New(notifyerr.KindNotFound, "watch not found: "+in.ID)
		}
		lock := in.WatcherLock
		rec.Meta.WatcherLock = &lock
		rec.Meta.Updated = now
		return 1, nil
	}

	modified := 0
	for _, rec := range s.records {
		if modified >= in.Limit {
			break
		}
		if !rec.Meta.WatcherLock.Expired(now) {
			continue
		}
		lock := in.WatcherLock
		rec.Meta.WatcherLock = &lock
		rec.Meta.Updated = now
		modified++
	}
	return modified, nil
}

// purgeExpired removes records whose expiry plus the grace period has
// passed; called by purgeLoop, not part of the
// Store interface since not every backend needs an explicit sweep (SQL/
// Redis backends can use native TTL/cron mechanisms instead).
func (s *MemoryStore) purgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if now.After(rec.Watch.Expires.Add(ExpiryGrace)) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func cloneRecord(rec *WatchRecord) *WatchRecord {
	clone := *rec
	if rec.Meta.WatcherLock != nil {
		lock := *rec.Meta.WatcherLock
		clone.Meta.WatcherLock = &lock
	}
	if rec.Watch.Value != nil {
		clone.Watch.Value = append([]byte(nil), rec.Watch.Value...)
	}
	return &clone
}
