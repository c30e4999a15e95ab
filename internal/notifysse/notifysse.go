// Package notifysse adapts the poll coalescer's result stream onto the
// teacher's existing CloudEvents bus (internal/events), so callers can
// watch a resource's PollResult over Server-Sent Events instead of
// re-polling.
package notifysse

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/pollcache"
)

const (
	// EventTypeResultAdvanced is the CloudEvent type PublishAdvanced
	// emits for each poll result it is handed.
	EventTypeResultAdvanced = "com.ocx.notify.result.advanced"
	sourceName              = "notify-pollcache"
)

// Publisher emits CloudEvents for advanced poll results onto an
// events.EventEmitter (satisfied by both events.EventBus and any
// Pub/Sub-backed emitter the teacher's stack provides).
type Publisher struct {
	bus events.EventEmitter
}

// NewPublisher wraps bus for use as a poll-result event sink.
func NewPublisher(bus events.EventEmitter) *Publisher {
	return &Publisher{bus: bus}
}

// PublishAdvanced emits a CloudEvent for id carrying result's sequence
// and value. It does not check that the sequence moved forward: every call
// emits an event, including one for a result identical to the last one
// published.
func (p *Publisher) PublishAdvanced(id string, result *pollcache.PollResult) {
	if p.bus == nil || result == nil {
		return
	}
	p.bus.Emit(EventTypeResultAdvanced, sourceName, id, map[string]interface{}{
		"id":       id,
		"sequence": result.Sequence,
		"mutable":  result.Mutable,
		"value":    result.Value,
	})
}

// HandleStream returns an http.HandlerFunc streaming CloudEvents for a
// single resource id (from the "id" query parameter) over SSE, adapted
// from internal/handlers's HandleSSEStream to filter by subject instead
// of broadcasting every event type.
func HandleStream(bus *events.EventBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		id := r.URL.Query().Get("id")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		ch := bus.Subscribe(EventTypeResultAdvanced)
		defer bus.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
		flusher.Flush()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if id != "" && !strings.EqualFold(event.Subject, id) {
					continue
				}
				sseData, err := event.SSEFormat()
				if err != nil {
					continue
				}
				w.Write(sseData)
				flusher.Flush()

			case <-r.Context().Done():
				return
			}
		}
	}
}

// Register attaches the stream handler to router at path.
func Register(router *mux.Router, path string, bus *events.EventBus) {
	router.HandleFunc(path, HandleStream(bus)).Methods(http.MethodGet)
}
