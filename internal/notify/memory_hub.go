package notify

import (
	"context"
	"sync"

	"github.com/rendis/machina/pkg/schema"
)

const subscriberBuffer = 64

// subscriber pairs a delivery channel with the filter it was created with.
type subscriber struct {
	ch     chan schema.NotificationEvent
	filter Filter
}

// MemoryHub is the in-process Hub used by the CLI and the MCP server.
// Delivery is best-effort per subscriber; see Hub for the drop contract.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewMemoryHub creates an empty MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscriber]struct{})}
}

// Publish fans the event out to every subscriber whose filter matches.
// A subscriber with a full channel misses the event rather than stalling
// the publisher.
func (h *MemoryHub) Publish(ctx context.Context, event schema.NotificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription for events matching filter. The
// returned cancel function is idempotent and detaches the subscriber.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.NotificationEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		ch:     make(chan schema.NotificationEvent, subscriberBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}

	return sub.ch, cancel, nil
}

// SubscribeRun subscribes to every event of a single run.
func (h *MemoryHub) SubscribeRun(ctx context.Context, runID string) (<-chan schema.NotificationEvent, func(), error) {
	return h.Subscribe(ctx, Filter{RunID: runID})
}

var _ Hub = (*MemoryHub)(nil)
