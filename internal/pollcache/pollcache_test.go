package pollcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollFetchesOnMiss(t *testing.T) {
	c := New(Config{}, nil)
	var calls int32

	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "pending", true, nil
	}

	res, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Sequence)
	assert.Equal(t, "pending", res.Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPollReturnsCachedResultWithoutInvokingPoller(t *testing.T) {
	c := New(Config{}, nil)
	var calls int32
	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "pending", true, nil
	}

	_, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: true})
	require.NoError(t, err)

	_, err = c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: true})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPollCoalescesConcurrentCallers(t *testing.T) {
	c := New(Config{}, nil)
	var calls int32
	release := make(chan struct{})

	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "pending", true, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]*PollResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Poll(context.Background(), PollInput{ID: "shared", Poller: poller, UseCache: false})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1), results[i].Sequence)
	}
}

func TestPollAdvancesSequenceOnChange(t *testing.T) {
	c := New(Config{}, nil)
	step := 0
	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		step++
		return step, true, nil
	}

	r1, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Sequence)

	r2, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Sequence)
}

func TestPollCollapsesUnchangedValue(t *testing.T) {
	c := New(Config{}, nil)
	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		return "same", true, nil
	}

	r1, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.NoError(t, err)
	r2, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.NoError(t, err)

	assert.Equal(t, r1.Sequence, r2.Sequence)
}

func TestPollLatchesTerminalResult(t *testing.T) {
	c := New(Config{}, nil)
	var calls int32
	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "complete", false, nil
	}

	r1, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.NoError(t, err)
	assert.False(t, r1.Mutable)

	// A second uncached poll should short-circuit on the terminal result
	// without invoking poller again.
	r2, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.NoError(t, err)
	assert.False(t, r2.Mutable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPollQuotaExceeded(t *testing.T) {
	c := New(Config{MaxInFlight: 1}, nil)
	release := make(chan struct{})
	blocking := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		<-release
		return "v", true, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: blocking, UseCache: false})
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := c.Poll(context.Background(), PollInput{ID: "r2", Poller: blocking, UseCache: false})
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindQuotaExceeded, notifyerr.KindOf(err))

	close(release)
	require.NoError(t, <-errc)
}

func TestPollQuotaDoesNotRejectSameKeyInFlight(t *testing.T) {
	c := New(Config{MaxInFlight: 1}, nil)
	release := make(chan struct{})
	blocking := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		<-release
		return "v", true, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Poll(context.Background(), PollInput{ID: "r1", Poller: blocking, UseCache: false})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestPollPropagatesPollerError(t *testing.T) {
	c := New(Config{}, nil)
	boom := assert.AnError
	poller := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		return nil, true, boom
	}

	_, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: poller, UseCache: false})
	require.Error(t, err)
}

func TestPollReleasesInFlightAfterError(t *testing.T) {
	c := New(Config{MaxInFlight: 1}, nil)
	boom := assert.AnError
	failing := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		return nil, true, boom
	}

	_, err := c.Poll(context.Background(), PollInput{ID: "r1", Poller: failing, UseCache: false})
	require.Error(t, err)

	succeed := func(ctx context.Context, id string, current *PollResult) (interface{}, bool, error) {
		return "ok", true, nil
	}
	_, err = c.Poll(context.Background(), PollInput{ID: "r2", Poller: succeed, UseCache: false})
	require.NoError(t, err)
}
