// Package exchange implements the WatcherAdapter (C4.5): factories that
// turn a caller-supplied resource client into the watcher and poller
// function shapes the scheduler and coalescer expect, wrapping every
// external read in a circuit breaker keyed by origin.
//
// The name "exchange" follows spec.md's canonical example resource (a
// verifiable-credential exchange); ResourceClient is otherwise opaque to
// this package — any long-running externally-hosted resource fits the
// same shape.
package exchange

import (
	"context"
	"fmt"

	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/notifyerr"
	"github.com/ocx/backend/internal/pollcache"
	"github.com/ocx/backend/internal/watchscheduler"
	"github.com/ocx/backend/internal/watchstore"
)

// Resource is the filtered snapshot read from an external resource.
type Resource struct {
	State string // e.g. "pending", "complete", "invalid"
	Data  interface{}
}

// Terminal reports whether state is a terminal state: no further polling
// or watching can change the resource's value.
func (r Resource) Terminal() bool {
	return r.State == "complete" || r.State == "invalid"
}

// ResourceClient reads a resource by id from its origin. capability is an
// opaque hint passed through to the origin (e.g. which view of the
// resource to fetch).
type ResourceClient interface {
	Read(ctx context.Context, id string, capability string) (Resource, error)
	Origin() string
}

// Filter narrows a Resource down to the value a watcher/poller should
// publish. Returning ok=false signals "nothing new to report" (spec
// §4.5's "filter returns undefined").
type Filter func(ctx context.Context, id string, resource Resource) (value interface{}, ok bool)

// PassthroughFilter always reports the resource's Data unchanged.
func PassthroughFilter(_ context.Context, _ string, resource Resource) (interface{}, bool) {
	return resource.Data, true
}

// NewExchangeWatcher builds a watchscheduler.Watcher, per spec §4.5:
// reads the resource via client, computes mutability from its terminal
// state, applies filter, and reports a no-op when filter declines.
func NewExchangeWatcher(client ResourceClient, capability string, filter Filter, breakers *circuitbreaker.NotifyCircuitBreakers) watchscheduler.Watcher {
	if filter == nil {
		filter = PassthroughFilter
	}
	breaker := breakers.Origin(client.Origin())

	return func(ctx context.Context, record *watchstore.WatchRecord) (watchscheduler.WatcherResult, error) {
		resource, err := readWithBreaker(ctx, breaker, client, record.Watch.ID, capability)
		if err != nil {
			return watchscheduler.WatcherResult{}, err
		}

		mutable := !resource.Terminal()
		value, ok := filter(ctx, record.Watch.ID, resource)
		if !ok {
			return watchscheduler.WatcherResult{Value: nil, Mutable: mutable}, nil
		}
		return watchscheduler.WatcherResult{Value: value, Mutable: mutable}, nil
	}
}

// NewExchangePoller builds a pollcache.Poller analogous to
// NewExchangeWatcher, for the request-time polling path (§6).
func NewExchangePoller(client ResourceClient, capability string, filter Filter, breakers *circuitbreaker.NotifyCircuitBreakers) pollcache.Poller {
	if filter == nil {
		filter = PassthroughFilter
	}
	breaker := breakers.Origin(client.Origin())

	return func(ctx context.Context, id string, current *pollcache.PollResult) (interface{}, bool, error) {
		resource, err := readWithBreaker(ctx, breaker, client, id, capability)
		if err != nil {
			return nil, true, err
		}

		mutable := !resource.Terminal()
		value, ok := filter(ctx, id, resource)
		if !ok {
			if current != nil {
				return current.Value, mutable, nil
			}
			return nil, mutable, nil
		}
		return value, mutable, nil
	}
}

func readWithBreaker(ctx context.Context, breaker *circuitbreaker.CircuitBreaker, client ResourceClient, id, capability string) (Resource, error) {
	result, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return client.Read(ctx, id, capability)
	})
	if err != nil {
		return Resource{}, notifyerr.Wrap(notifyerr.KindOperation, fmt.Sprintf("read resource %q from %s", id, client.Origin()), err)
	}
	return result.(Resource), nil
}
