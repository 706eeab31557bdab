package core

import (
	"context"

	"github.com/dkeye/voicecall/internal/domain"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts a relay-side messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// EventHandler receives events published by other members of a room.
// Implementations must not block for long: backends call it from their
// delivery goroutine.
type EventHandler func(domain.Event)

// SignalChannel is a room-scoped broadcast pub/sub channel.
type SignalChannel interface {
	Subscribe(ctx context.Context, room domain.RoomID, self domain.User, h EventHandler) (Subscription, error)
}

// Subscription is a live membership in one room.
type Subscription interface {
	// Send publishes a named event to every other member of the room.
	Send(ctx context.Context, event string, payload any) error
	// Close leaves the room. Safe to call more than once.
	Close() error
}
