package notify

import (
	"context"
	"slices"

	"github.com/rendis/machina/pkg/schema"
)

// Filter specifies which events a subscriber wants to receive. The zero
// value matches everything.
type Filter struct {
	RunID string             `json:"run_id,omitempty"`
	Kinds []schema.EventKind `json:"kinds,omitempty"`
}

// matches reports whether the event passes the filter.
func (f Filter) matches(e schema.NotificationEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return true
}

// Hub provides pub/sub for run lifecycle events. Publish must never block
// on slow subscribers; events to full subscriber channels are dropped.
type Hub interface {
	Publish(ctx context.Context, event schema.NotificationEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.NotificationEvent, func(), error)
}
