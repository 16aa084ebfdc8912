package lifecycle

import "github.com/tyemirov/authsession/internal/observer"

// ActivityKind names a user interaction that counts as activity.
type ActivityKind string

const (
	ActivityPointerDown ActivityKind = "pointer-down"
	ActivityPointerMove ActivityKind = "pointer-move"
	ActivityKeyPress    ActivityKind = "key-press"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouch       ActivityKind = "touch"
	ActivityClick       ActivityKind = "click"
)

// ActivitySource delivers activity events. Subscribe returns the function that detaches
// the handler. Implementations must not deliver events from inside Subscribe.
type ActivitySource interface {
	Subscribe(handler func(ActivityKind)) (unsubscribe func())
}

// ActivityBus is an in-process ActivitySource fed by Emit.
type ActivityBus struct {
	handlers observer.Registry[ActivityKind]
}

// NewActivityBus constructs an empty bus.
func NewActivityBus() *ActivityBus {
	return &ActivityBus{}
}

// Subscribe registers handler.
func (bus *ActivityBus) Subscribe(handler func(ActivityKind)) func() {
	return bus.handlers.Add(handler).Unsubscribe
}

// Emit delivers kind to every subscriber.
func (bus *ActivityBus) Emit(kind ActivityKind) {
	bus.handlers.Notify(kind)
}

// Subscribers returns the number of attached handlers.
func (bus *ActivityBus) Subscribers() int {
	return bus.handlers.Len()
}
