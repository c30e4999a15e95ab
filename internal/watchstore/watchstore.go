// Package watchstore implements the persistent WatchRecord store (C2):
// the durable record of long-running external resources under watch, with
// compare-and-set updates and an advisory lease/lock used by the scheduler
// to coordinate which worker owns a sweep of a given record.
//
// The Store interface is intentionally narrow — Create/Get/Find/Update/
// Remove/Mark — so it can be backed by memory (tests), Postgres, or Redis
// without any backend leaking through to callers. Every backend enforces
// the same CAS and lease-eligibility rules; memory_test.go exercises them
// against MemoryStore.
package watchstore

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
)

// WatcherLock is the advisory lease a worker holds on a record while it
// owns its sweep. Presence indicates a worker has leased the record;
// absence, or an expiry in the past, means the record is eligible for a
// new lease.
type WatcherLock struct {
	ID      string
	Expires time.Time
}

// Expired reports whether the lock's expiry has passed as of now.
func (l *WatcherLock) Expired(now time.Time) bool {
	return l == nil || !l.Expires.After(now)
}

// Watch is the mutable, CAS-guarded half of a WatchRecord.
type Watch struct {
	ID       string
	Sequence int64
	Watcher  string
	Value    []byte // application-defined filtered snapshot, opaque here
	Expires  time.Time
}

// Meta is the bookkeeping half of a WatchRecord.
type Meta struct {
	Created     time.Time
	Updated     time.Time
	WatcherLock *WatcherLock
}

// WatchRecord is the persisted unit the store manages.
type WatchRecord struct {
	Watch Watch
	Meta  Meta
}

// CreateInput is the payload for Store.Create.
type CreateInput struct {
	ID      string
	Watcher string
	Expires time.Time
}

// FindQuery filters Find results along the dimensions spec'd as required
// indices. A nil field means "don't filter on this dimension".
type FindQuery struct {
	ID                  *string
	ExpiresBefore       *time.Time
	WatcherLockID       *string
	WatcherLockExpires  *time.Time
	WatcherLockAbsent   bool
	WatcherLockEligible bool // absent OR expired as of EligibleAsOf
	EligibleAsOf        time.Time
}

// FindOptions bounds a Find call.
type FindOptions struct {
	Limit int
}

// MarkInput is the payload for Store.Mark.
type MarkInput struct {
	WatcherLock WatcherLock
	ID          string // if non-empty, target exactly this record, limit=1
	Limit       int    // default 10 when ID is empty
}

const (
	defaultMarkLimit = 10
	// MaxWatchTTL enforces invariant W3: watch.ttl <= 1 hour at creation.
	MaxWatchTTL = time.Hour
	// ExpiryGrace is how long past watch.expires a record survives before
	// the store purges it (spec §3's "24-hour grace").
	ExpiryGrace = 24 * time.Hour
)

// Store is the WatchRecord persistence contract, exactly per spec §4.2's
// operation table.
type Store interface {
	// Create inserts a fresh record with sequence=0, value=nil. A
	// duplicate id yields KindDuplicate.
	Create(ctx context.Context, in CreateInput) (*WatchRecord, error)

	// Get returns the record for id, or KindNotFound.
	Get(ctx context.Context, id string) (*WatchRecord, error)

	// Find returns records matching query, bounded by opts.Limit (0 means
	// unbounded).
	Find(ctx context.Context, query FindQuery, opts FindOptions) ([]*WatchRecord, error)

	// Update performs a compare-and-set keyed on watch.ID and
	// watch.Sequence-1 (the caller passes the record's NEW desired
	// Watch, with Sequence already incremented by one over the value it
	// read). A non-matching CAS yields KindInvalidState.
	Update(ctx context.Context, watch Watch) (*WatchRecord, error)

	// Remove idempotently deletes the record for id.
	Remove(ctx context.Context, id string) error

	// Mark sets meta.watcherLock on eligible records (see MarkInput),
	// returning the number of records modified.
	Mark(ctx context.Context, in MarkInput) (int, error)
}

// ValidateCreate enforces W3 ahead of a backend-specific Create call.
func ValidateCreate(in CreateInput, now time.Time) error {
	if in.ID == "" {
		return notifyerr.New(notifyerr.KindConstraint, "watch id must not be empty")
	}
	if in.Watcher == "" {
		return notifyerr.New(notifyerr.KindConstraint, "watcher name must not be empty")
	}
	if in.Expires.Sub(now) > MaxWatchTTL {
		return notifyerr.New(notifyerr.KindConstraint, "watch ttl exceeds the one hour maximum")
	}
	return nil
}

func normalizeMarkInput(in MarkInput) MarkInput {
	if in.ID != "" {
		in.Limit = 1
		return in
	}
	if in.Limit <= 0 {
		in.Limit = defaultMarkLimit
	}
	return in
}
