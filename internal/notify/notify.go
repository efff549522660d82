// Package notify delivers human-facing alerts when a license transitions to
// a breach-indicating state. Delivery is fire-and-forget: a failed or slow
// dispatcher must never block or fail the heartbeat path that triggered it.
package notify

import (
	"context"
	"time"

	"licenseguard/internal/store"
)

// Event describes a license status transition worth a human's attention.
type Event struct {
	LicenseKey string       `json:"license_key"`
	Domain     string       `json:"domain"`
	Status     store.Status `json:"status"`
	Reason     string       `json:"reason"`
	At         time.Time    `json:"at"`
}

// Dispatcher delivers events. Implementations must not block the caller
// beyond queueing and must swallow delivery failures (logging them).
type Dispatcher interface {
	Notify(ctx context.Context, event Event)
}

// Fanout dispatches each event to every wrapped dispatcher.
type Fanout []Dispatcher

// Notify delivers the event to all dispatchers.
func (f Fanout) Notify(ctx context.Context, event Event) {
	for _, d := range f {
		d.Notify(ctx, event)
	}
}

// Noop discards all events. Used when no notification channel is configured.
type Noop struct{}

// Notify discards the event.
func (Noop) Notify(ctx context.Context, event Event) {}
