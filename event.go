package cercall

import (
	"fmt"
	"sync"

	"github.com/artwisz/cercall/codec"
)

// EventCodec is how an interface tells Client and Service what shape its
// broadcast events take: a fixed simple type, or a closed set of subtypes
// discriminated by a tag. Both SimpleEventCodec and EventRegistry
// implement it; client and service for a given interface must be
// configured with the matching one.
type EventCodec interface {
	EncodeEvent(enc codec.Encoder, funcName string, tag string, event any) ([]byte, error)
	DecodeEvent(cursor *codec.Cursor) (tag string, event any, err error)
}

// SimpleEventCodec is the EventCodec for an interface whose broadcast
// event is always the same concrete type E. No discriminator is written
// or expected on the wire.
type SimpleEventCodec[E any] struct{}

func (SimpleEventCodec[E]) EncodeEvent(enc codec.Encoder, funcName, _ string, event any) ([]byte, error) {
	return enc.EncodeEvent(funcName, "", false, event)
}

func (SimpleEventCodec[E]) DecodeEvent(cursor *codec.Cursor) (string, any, error) {
	var e E
	if err := cursor.Next(&e); err != nil {
		return "", nil, err
	}
	return "", e, nil
}

// EventRegistry is the EventCodec for a polymorphic event: a closed set of
// subtypes registered with RegisterEventType, identified on the wire by a
// string tag, rather than dispatched on a runtime type. Each registry
// holds its own table; client and service must be given registries with
// the same registrations.
type EventRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

// NewEventRegistry returns an empty registry. Subtypes must be registered
// with RegisterEventType before any event carrying them can be decoded.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{ctors: make(map[string]func() any)}
}

// RegisterEventType seeds r's tag→constructor table for subtype E under
// tag. It affects r only, not other registries; calling it again for the
// same tag replaces the previous subtype.
func RegisterEventType[E any](r *EventRegistry, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[tag] = func() any { return new(E) }
}

func (r *EventRegistry) EncodeEvent(enc codec.Encoder, funcName, tag string, event any) ([]byte, error) {
	return enc.EncodeEvent(funcName, tag, true, event)
}

func (r *EventRegistry) DecodeEvent(cursor *codec.Cursor) (string, any, error) {
	var tag string
	if err := cursor.Next(&tag); err != nil {
		return "", nil, err
	}
	r.mu.RLock()
	ctor, ok := r.ctors[tag]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("cercall: unregistered event tag %q", tag)
	}
	ptr := ctor()
	if err := cursor.Next(ptr); err != nil {
		return "", nil, err
	}
	return tag, ptr, nil
}

// EventListener receives every broadcast event dispatched to a Client, in
// registration order. For a polymorphic event, tag identifies the concrete
// subtype and event is a *E for the E that RegisterEventType bound to that
// tag; for a simple event, tag is "" and event's dynamic
// type is the interface's single event type.
type EventListener func(tag string, event any)

// ListenerHandle identifies a registered EventListener for later removal.
type ListenerHandle uint64

type listenerEntry struct {
	handle ListenerHandle
	fn     EventListener
}
