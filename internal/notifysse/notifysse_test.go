package notifysse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/pollcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherEmitsAdvancedEvent(t *testing.T) {
	bus := events.NewEventBus()
	ch := bus.Subscribe(EventTypeResultAdvanced)
	defer bus.Unsubscribe(ch)

	pub := NewPublisher(bus)
	pub.PublishAdvanced("res-1", &pollcache.PollResult{ID: "res-1", Sequence: 3, Mutable: true, Value: "v3"})

	select {
	case ev := <-ch:
		assert.Equal(t, "res-1", ev.Subject)
		assert.Equal(t, EventTypeResultAdvanced, ev.Type)
		assert.Equal(t, int64(3), ev.Data["sequence"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublisherIgnoresNilResult(t *testing.T) {
	bus := events.NewEventBus()
	pub := NewPublisher(bus)
	assert.NotPanics(t, func() { pub.PublishAdvanced("res-1", nil) })
}

func TestHandleStreamFiltersBySubject(t *testing.T) {
	bus := events.NewEventBus()
	handler := HandleStream(bus)

	req := httptest.NewRequest(http.MethodGet, "/notify/stream?id=res-1", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Emit(EventTypeResultAdvanced, sourceName, "res-2", map[string]interface{}{"sequence": int64(1)})
	bus.Emit(EventTypeResultAdvanced, sourceName, "res-1", map[string]interface{}{"sequence": int64(2)})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := rec.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, line)
		}
	}

	require.True(t, len(dataLines) >= 1)
	joined := strings.Join(dataLines, "\n")
	assert.Contains(t, joined, "res-1")
	assert.NotContains(t, joined, "\"res-2\"")
}
