package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/pollcache"
	"github.com/ocx/backend/internal/watchstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	origin    string
	resources map[string]Resource
	err       error
	calls     int
}

func (f *fakeClient) Origin() string { return f.origin }

func (f *fakeClient) Read(_ context.Context, id, _ string) (Resource, error) {
	f.calls++
	if f.err != nil {
		return Resource{}, f.err
	}
	return f.resources[id], nil
}

func TestExchangeWatcherReportsMutableWhilePending(t *testing.T) {
	client := &fakeClient{origin: "test-origin", resources: map[string]Resource{
		"e1": {State: "pending", Data: map[string]interface{}{"step": 1.0}},
	}}
	breakers := circuitbreaker.NewNotifyCircuitBreakers()
	watcher := NewExchangeWatcher(client, "read", nil, breakers)

	rec := &watchstore.WatchRecord{Watch: watchstore.Watch{ID: "e1", Watcher: "watchExchange"}}
	result, err := watcher(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, result.Mutable)
	assert.NotNil(t, result.Value)
}

func TestExchangeWatcherReportsTerminalState(t *testing.T) {
	client := &fakeClient{origin: "test-origin", resources: map[string]Resource{
		"e1": {State: "complete", Data: map[string]interface{}{"step": 3.0}},
	}}
	breakers := circuitbreaker.NewNotifyCircuitBreakers()
	watcher := NewExchangeWatcher(client, "read", nil, breakers)

	rec := &watchstore.WatchRecord{Watch: watchstore.Watch{ID: "e1", Watcher: "watchExchange"}}
	result, err := watcher(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, result.Mutable)
}

func TestExchangeWatcherFilterDeclineYieldsNoOp(t *testing.T) {
	client := &fakeClient{origin: "test-origin", resources: map[string]Resource{
		"e1": {State: "pending"},
	}}
	breakers := circuitbreaker.NewNotifyCircuitBreakers()
	declineAll := func(ctx context.Context, id string, resource Resource) (interface{}, bool) { return nil, false }
	watcher := NewExchangeWatcher(client, "read", declineAll, breakers)

	rec := &watchstore.WatchRecord{Watch: watchstore.Watch{ID: "e1", Watcher: "watchExchange"}}
	result, err := watcher(context.Background(), rec)
	require.NoError(t, err)
	assert.Nil(t, result.Value)
	assert.True(t, result.Mutable)
}

func TestExchangeWatcherWrapsReadErrorAsOperation(t *testing.T) {
	client := &fakeClient{origin: "test-origin", err: assertAnError()}
	breakers := circuitbreaker.NewNotifyCircuitBreakers()
	watcher := NewExchangeWatcher(client, "read", nil, breakers)

	rec := &watchstore.WatchRecord{Watch: watchstore.Watch{ID: "e1", Watcher: "watchExchange"}}
	_, err := watcher(context.Background(), rec)
	require.Error(t, err)
}

func TestExchangePollerFallsBackToCurrentValueOnDecline(t *testing.T) {
	client := &fakeClient{origin: "test-origin", resources: map[string]Resource{
		"e1": {State: "pending"},
	}}
	breakers := circuitbreaker.NewNotifyCircuitBreakers()
	declineAll := func(ctx context.Context, id string, resource Resource) (interface{}, bool) { return nil, false }
	poller := NewExchangePoller(client, "read", declineAll, breakers)

	current := &pollcache.PollResult{ID: "e1", Sequence: 2, Mutable: true, Value: "prior"}
	value, mutable, err := poller(context.Background(), "e1", current)
	require.NoError(t, err)
	assert.True(t, mutable)
	assert.Equal(t, "prior", value)
}

func TestExchangeBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	client := &fakeClient{origin: "flaky-origin", err: assertAnError()}
	breakers := circuitbreaker.NewNotifyCircuitBreakers()
	watcher := NewExchangeWatcher(client, "read", nil, breakers)
	rec := &watchstore.WatchRecord{Watch: watchstore.Watch{ID: "e1", Watcher: "watchExchange"}}

	for i := 0; i < 3; i++ {
		_, _ = watcher(context.Background(), rec)
	}
	time.Sleep(time.Millisecond)

	callsBeforeTrip := client.calls
	_, err := watcher(context.Background(), rec)
	require.Error(t, err)
	// Once tripped, the breaker short-circuits without calling Read again.
	assert.Equal(t, callsBeforeTrip, client.calls)
}

func assertAnError() error {
	return errSentinel{}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel read failure" }
