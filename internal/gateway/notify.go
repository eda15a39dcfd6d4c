package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/protocol"
)

// Bus fans NOT_* frames out by type. Persistent handlers see every frame
// of their type; awaiters see exactly one and are then removed. A frame
// goes to both kinds of listener.
type Bus struct {
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string][]func(*protocol.Frame)
	awaiters map[string][]*Awaiter
}

// NewBus builds an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:   logger.With().Str("component", "notify").Logger(),
		handlers: make(map[string][]func(*protocol.Frame)),
		awaiters: make(map[string][]*Awaiter),
	}
}

// On registers a persistent handler for one notification type. Handlers
// run on the dispatch goroutine; slow work belongs elsewhere.
func (b *Bus) On(typ string, fn func(*protocol.Frame)) {
	b.mu.Lock()
	b.handlers[typ] = append(b.handlers[typ], fn)
	b.mu.Unlock()
}

// Await reserves the next notification of the given type. Register the
// awaiter before sending the command that provokes the notification, or
// the frame can slip past.
func (b *Bus) Await(typ string) *Awaiter {
	a := &Awaiter{typ: typ, bus: b, ch: make(chan *protocol.Frame, 1)}
	b.mu.Lock()
	b.awaiters[typ] = append(b.awaiters[typ], a)
	b.mu.Unlock()
	return a
}

// Dispatch delivers one notification frame to its listeners.
func (b *Bus) Dispatch(f *protocol.Frame) {
	b.mu.Lock()
	handlers := append(([]func(*protocol.Frame))(nil), b.handlers[f.Type]...)
	waiting := b.awaiters[f.Type]
	delete(b.awaiters, f.Type)
	b.mu.Unlock()

	if len(handlers) == 0 && len(waiting) == 0 {
		b.logger.Debug().Str("type", f.Type).Msg("Notification had no listeners")
		return
	}
	for _, fn := range handlers {
		fn(f)
	}
	for _, a := range waiting {
		a.ch <- f
	}
}

func (b *Bus) drop(target *Awaiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.awaiters[target.typ]
	for i, a := range list {
		if a == target {
			b.awaiters[target.typ] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.awaiters[target.typ]) == 0 {
		delete(b.awaiters, target.typ)
	}
}

// Awaiter is a one-shot subscription to a notification type.
type Awaiter struct {
	typ string
	bus *Bus
	ch  chan *protocol.Frame
}

// Frame blocks until the notification arrives or ctx ends. On ctx error
// the awaiter is deregistered.
func (a *Awaiter) Frame(ctx context.Context) (*protocol.Frame, error) {
	select {
	case f := <-a.ch:
		return f, nil
	case <-ctx.Done():
		a.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel deregisters the awaiter. Safe after delivery and safe to repeat.
func (a *Awaiter) Cancel() {
	a.bus.drop(a)
}
