package watchstore

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/backend/internal/notifyerr"
)

// RedisStore is a Store backed by go-redis/v9, grounded on
// internal/fabric/redis_store.go's key-prefix + JSON idiom, extended with
// WATCH/MULTI optimistic locking to implement the CAS semantics
// Update requires. Useful for deployments already running Redis for the
// poll layer's shared telemetry, avoiding a second storage dependency.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *log.Logger
}

// NewRedisStore creates a Redis-backed store. keyPrefix defaults to
// "notify:watch:" when empty.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "notify:watch:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    log.New(log.Writer(), "[WATCHSTORE-REDIS] ", log.LstdFlags),
	}
}

type redisRecord struct {
	Sequence    int64      `json:"sequence"`
	Watcher     string     `json:"watcher"`
	Value       []byte     `json:"value,omitempty"`
	Expires     time.Time  `json:"expires"`
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
	LockID      string     `json:"lock_id,omitempty"`
	LockExpires *time.Time `json:"lock_expires,omitempty"`
}

func (s *RedisStore) key(id string) string { return s.keyPrefix + id }

func toWatchRecord(id string, r *redisRecord) *WatchRecord {
	rec := &WatchRecord{
		Watch: Watch{ID: id, Sequence: r.Sequence, Watcher: r.Watcher, Value: r.Value, Expires: r.Expires},
		Meta:  Meta{Created: r.Created, Updated: r.Updated},
	}
	if r.LockID != "" && r.LockExpires != nil {
		rec.Meta.WatcherLock = &WatcherLock{ID: r.LockID, Expires: *r.LockExpires}
	}
	return rec
}

func fromWatchRecord(rec *WatchRecord) *redisRecord {
	r := &redisRecord{
		Sequence: rec.Watch.Sequence,
		Watcher:  rec.Watch.Watcher,
		Value:    rec.Watch.Value,
		Expires:  rec.Watch.Expires,
		Created:  rec.Meta.Created,
		Updated:  rec.Meta.Updated,
	}
	if rec.Meta.WatcherLock != nil {
		r.LockID = rec.Meta.WatcherLock.ID
		exp := rec.Meta.WatcherLock.Expires
		r.LockExpires = &exp
	}
	return r
}

func (s *RedisStore) Create(ctx context.Context, in CreateInput) (*WatchRecord, error) {
	now := time.Now()
	if err := ValidateCreate(in, now); err != nil {
		return nil, err
	}

	rec := &WatchRecord{
		Watch: Watch{ID: in.ID, Sequence: 0, Watcher: in.Watcher, Expires: in.Expires},
		Meta:  Meta{Created: now, Updated: now},
	}
	data, err := json.Marshal(fromWatchRecord(rec))
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "encode watch record", err)
	}

	// SetNX gives us the duplicate-id check atomically; ttl covers
	// expires + the 24h grace so the key self-purges.
	ttl := time.Until(in.Expires) + ExpiryGrace
	ok, err := s.client.SetNX(ctx, s.key(in.ID), data, ttl).Result()
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "redis SETNX watch record", err)
	}
	if !ok {
		return nil, notifyerr.New(notifyerr.KindDuplicate, "watch id already exists: "+in.ID)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*WatchRecord, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, notifyerr.New(notifyerr.KindNotFound, "watch not found: "+id)
	}
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "redis GET watch record", err)
	}
	var r redisRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "decode watch record", err)
	}
	return toWatchRecord(id, &r), nil
}

// Find scans the keyspace under keyPrefix. Acceptable for the record
// volumes this substrate targets (bounded watcher population); a
// deployment with very large watch counts should prefer PostgresStore,
// whose indices make Find a query instead of a scan.
func (s *RedisStore) Find(ctx context.Context, query FindQuery, opts FindOptions) ([]*WatchRecord, error) {
	now := query.EligibleAsOf
	if now.IsZero() {
		now = time.Now()
	}

	var out []*WatchRecord
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, notifyerr.Wrap(notifyerr.KindOperation, "redis GET during scan", err)
		}
		var r redisRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, notifyerr.Wrap(notifyerr.KindOperation, "decode watch record", err)
		}
		id := iter.Val()[len(s.keyPrefix):]
		rec := toWatchRecord(id, &r)
		if !matches(rec, query, now) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "redis SCAN watch records", err)
	}
	return out, nil
}

// Update performs an optimistic-locking CAS via WATCH/MULTI: watch the
// key, read its current sequence, and only commit the write if nothing
// else has changed it since.
func (s *RedisStore) Update(ctx context.Context, watch Watch) (*WatchRecord, error) {
	key := s.key(watch.ID)
	var result *WatchRecord

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return notifyerr.New(notifyerr.KindNotFound, "watch not found: "+watch.ID)
		}
		if err != nil {
			return notifyerr.Wrap(notifyerr.KindOperation, "redis GET watch record", err)
		}
		var r redisRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return notifyerr.Wrap(notifyerr.KindOperation, "decode watch record", err)
		}
		if r.Sequence != watch.Sequence-1 {
			return notifyerr.New(notifyerr.KindInvalidState,
				"sequence conflict: expected "+strconv.FormatInt(watch.Sequence-1, 10))
		}

		now := time.Now()
		rec := &WatchRecord{Watch: watch, Meta: Meta{Created: r.Created, Updated: now}}
		if r.LockID != "" && r.LockExpires != nil {
			rec.Meta.WatcherLock = &WatcherLock{ID: r.LockID, Expires: *r.LockExpires}
		}
		newData, err := json.Marshal(fromWatchRecord(rec))
		if err != nil {
			return notifyerr.Wrap(notifyerr.KindOperation, "encode watch record", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Until(watch.Expires) + ExpiryGrace
			pipe.Set(ctx, key, newData, ttl)
			return nil
		})
		if err != nil {
			return notifyerr.Wrap(notifyerr.KindOperation, "redis MULTI watch update", err)
		}
		result = rec
		return nil
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if _, ok := err.(*notifyerr.Error); ok {
			return nil, err
		}
		if err == redis.TxFailedErr {
			return nil, notifyerr.New(notifyerr.KindInvalidState, "concurrent modification detected")
		}
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "redis transaction", err)
	}
	return result, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return notifyerr.Wrap(notifyerr.KindOperation, "redis DEL watch record", err)
	}
	return nil
}

func (s *RedisStore) Mark(ctx context.Context, in MarkInput) (int, error) {
	in = normalizeMarkInput(in)

	if in.ID != "" {
		ok, err := s.markOne(ctx, in.ID, in.WatcherLock)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		return 1, nil
	}

	eligible, err := s.Find(ctx, FindQuery{WatcherLockEligible: true}, FindOptions{Limit: in.Limit})
	if err != nil {
		return 0, err
	}
	modified := 0
	for _, rec := range eligible {
		ok, err := s.markOne(ctx, rec.Watch.ID, in.WatcherLock)
		if err != nil {
			return modified, err
		}
		if ok {
			modified++
		}
	}
	return modified, nil
}

func (s *RedisStore) markOne(ctx context.Context, id string, lock WatcherLock) (bool, error) {
	key := s.key(id)
	marked := false

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return notifyerr.New(notifyerr.KindNotFound, "watch not found: "+id)
		}
		if err != nil {
			return err
		}
		var r redisRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.LockID = lock.ID
		exp := lock.Expires
		r.LockExpires = &exp
		r.Updated = time.Now()

		newData, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := tx.TTL(ctx, key).Val()
			pipe.Set(ctx, key, newData, ttl)
			return nil
		})
		if err == nil {
			marked = true
		}
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if ne, ok := err.(*notifyerr.Error); ok && ne.Kind == notifyerr.KindNotFound {
			return false, nil
		}
		if err == redis.TxFailedErr {
			return false, nil
		}
		return false, notifyerr.Wrap(notifyerr.KindOperation, "redis mark transaction", err)
	}
	return marked, nil
}
