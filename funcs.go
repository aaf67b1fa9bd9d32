package cercall

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/artwisz/cercall/codec"
)

// Context carries per-call metadata into a Handler or OneWayHandler.
// Session is nil on the client side, where there is only ever one peer.
type Context struct {
	Session *Session
}

// Sink is the completion handle a Handler uses to deliver its result,
// synchronously or from any other goroutine. Complete may be called
// exactly once; later calls are silently ignored, matching the service
// refusing a second answer for a call it already closed out.
type Sink[R any] struct {
	finish func(Result[R])
	done   *atomic.Bool
}

func newSink[R any](finish func(Result[R])) Sink[R] {
	return Sink[R]{finish: finish, done: new(atomic.Bool)}
}

// Complete delivers res as the call's result. Safe to call from any
// goroutine; the actual encode-and-send is always run on the owning
// Client/Service's driver goroutine.
func (s Sink[R]) Complete(res Result[R]) {
	if s.done.CompareAndSwap(false, true) {
		s.finish(res)
	}
}

// Handler answers one two-way call. It may call sink.Complete before
// returning (synchronous answer) or retain sink and call it later from
// another goroutine (asynchronous answer).
type Handler[A, R any] func(ctx Context, args A, sink Sink[R])

// OneWayHandler handles a call with no result. A panic inside it is
// recovered, logged, and dropped — the peer that sent the call never
// learns of it, since a one-way call carries no result envelope to carry
// an error back on.
type OneWayHandler[A any] func(ctx Context, args A)

type funcEntry struct {
	oneWay bool
	invoke func(ctx Context, cursor *codec.Cursor, enc codec.Encoder, funcName string, post func(func()), respond func(payload []byte, err error))
}

// FuncTable is the registered set of functions a Service (or a Client
// answering server-initiated calls) can dispatch to. Registration is a
// one-time, declarative, setup-time side effect, resolved at compile time
// through Go generics instead of at runtime through reflection.
type FuncTable struct {
	entries map[string]funcEntry
}

// NewFuncTable returns an empty table.
func NewFuncTable() *FuncTable {
	return &FuncTable{entries: make(map[string]funcEntry)}
}

// RegisterFunc binds funcName to h. A's and R's wire shapes are whatever
// the session's codec.Adapter can encode/decode for them.
func RegisterFunc[A, R any](t *FuncTable, funcName string, h Handler[A, R]) {
	t.entries[funcName] = funcEntry{
		oneWay: false,
		invoke: func(ctx Context, cursor *codec.Cursor, enc codec.Encoder, funcName string, post func(func()), respond func([]byte, error)) {
			args, err := decodeArgs[A](cursor)
			if err != nil {
				respond(nil, NewProtocolError(fmt.Sprintf("decode args for %q: %v", funcName, err)))
				return
			}
			sink := newSink(func(res Result[R]) {
				post(func() {
					payload, encErr := encodeResult(enc, funcName, res)
					if encErr != nil {
						respond(nil, encErr)
						return
					}
					respond(payload, nil)
				})
			})
			h(ctx, args, sink)
		},
	}
}

// RegisterOneWayFunc binds funcName to a handler with no result.
func RegisterOneWayFunc[A any](t *FuncTable, funcName string, h OneWayHandler[A]) {
	t.entries[funcName] = funcEntry{
		oneWay: true,
		invoke: func(ctx Context, cursor *codec.Cursor, _ codec.Encoder, funcName string, _ func(func()), _ func([]byte, error)) {
			args, err := decodeArgs[A](cursor)
			if err != nil {
				log.Printf("cercall: dropping one-way call %q: decode args: %v", funcName, err)
				return
			}
			defer func() {
				if r := recover(); r != nil {
					log.Printf("cercall: one-way handler %q panicked: %v", funcName, r)
				}
			}()
			h(ctx, args)
		},
	}
}

// OneWay reports whether funcName was registered as one-way, and whether
// it is registered at all.
func (t *FuncTable) OneWay(funcName string) (oneWay bool, ok bool) {
	e, ok := t.entries[funcName]
	return e.oneWay, ok
}

// Dispatch decodes the call's arguments and invokes its handler. For a
// two-way call, respond is eventually called exactly once with the
// encoded result payload (or a protocol error if funcName is unknown or
// args fail to decode); post is used to hop the eventual Sink.Complete
// back onto the driver goroutine. For a one-way call, respond and post
// are never used.
func (t *FuncTable) Dispatch(funcName string, ctx Context, cursor *codec.Cursor, enc codec.Encoder, post func(func()), respond func(payload []byte, err error)) {
	entry, ok := t.entries[funcName]
	if !ok {
		respond(nil, NewProtocolError(fmt.Sprintf("unknown function %q", funcName)))
		return
	}
	entry.invoke(ctx, cursor, enc, funcName, post, respond)
}
