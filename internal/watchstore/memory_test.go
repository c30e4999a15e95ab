package watchstore

import (
	"context"
	"testing"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Watch.Sequence)
	assert.Nil(t, rec.Meta.WatcherLock)

	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.Watch.ID)
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)}

	_, err := s.Create(ctx, in)
	require.NoError(t, err)

	_, err = s.Create(ctx, in)
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindDuplicate, notifyerr.KindOf(err))
}

func TestCreateRejectsExcessiveTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(2 * time.Hour)})
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindConstraint, notifyerr.KindOf(err))
}

func TestGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindNotFound, notifyerr.KindOf(err))
}

func TestUpdateCASSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	rec, err := s.Update(ctx, Watch{ID: "w1", Sequence: 1, Watcher: "watchExchange", Value: []byte(`"pending"`), Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Watch.Sequence)
}

func TestUpdateCASConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.Update(ctx, Watch{ID: "w1", Sequence: 5, Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindInvalidState, notifyerr.KindOf(err))
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "w1"))
	require.NoError(t, s.Remove(ctx, "w1")) // second call: still no error

	_, err = s.Get(ctx, "w1")
	assert.Equal(t, notifyerr.KindNotFound, notifyerr.KindOf(err))
}

func TestMarkWithIDIsUnconditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	n, err := s.Mark(ctx, MarkInput{ID: "w1", WatcherLock: WatcherLock{ID: "lease-1", Expires: time.Now().Add(time.Minute)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, rec.Meta.WatcherLock)
	assert.Equal(t, "lease-1", rec.Meta.WatcherLock.ID)
}

func TestMarkSkipsActivelyLeasedRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.Mark(ctx, MarkInput{ID: "w1", WatcherLock: WatcherLock{ID: "lease-1", Expires: time.Now().Add(time.Hour)}})
	require.NoError(t, err)

	n, err := s.Mark(ctx, MarkInput{WatcherLock: WatcherLock{ID: "lease-2", Expires: time.Now().Add(time.Hour)}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMarkClaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.Mark(ctx, MarkInput{ID: "w1", WatcherLock: WatcherLock{ID: "stale-lease", Expires: time.Now().Add(-time.Minute)}})
	require.NoError(t, err)

	n, err := s.Mark(ctx, MarkInput{WatcherLock: WatcherLock{ID: "lease-2", Expires: time.Now().Add(time.Hour)}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "lease-2", rec.Meta.WatcherLock.ID)
}

func TestFindByWatcherLockID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateInput{ID: "w2", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.Mark(ctx, MarkInput{ID: "w1", WatcherLock: WatcherLock{ID: "lease-1", Expires: time.Now().Add(time.Hour)}})
	require.NoError(t, err)

	lockID := "lease-1"
	recs, err := s.Find(ctx, FindQuery{WatcherLockID: &lockID}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "w1", recs[0].Watch.ID)
}

func TestFindRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_, err := s.Create(ctx, CreateInput{ID: id, Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
		require.NoError(t, err)
	}

	recs, err := s.Find(ctx, FindQuery{}, FindOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestPurgeExpiredRespectsGrace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, CreateInput{ID: "w1", Watcher: "watchExchange", Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	removed := s.purgeExpired(time.Now())
	assert.Equal(t, 0, removed)

	removed = s.purgeExpired(time.Now().Add(time.Minute + ExpiryGrace + time.Second))
	assert.Equal(t, 1, removed)
}
