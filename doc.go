// Package cercall implements a bidirectional RPC runtime: a wire protocol
// of length-prefixed, codec-neutral envelopes; a Client that calls into a
// Service (and optionally answers calls back from it); and a Service that
// dispatches incoming calls to a FuncTable and broadcasts events to every
// session it has open.
//
// A Client or Service is driven by calling Run or Serve on exactly one
// goroutine; apart from Open/AddAcceptor before that and Post from
// anywhere, every other exported method must be called from that same
// goroutine. There is no mutex: the methods that place calls, broadcast
// events or change listeners check the calling goroutine at runtime and
// return a LogicError on a mismatch; the others do not check. Transports and
// Acceptors do their own I/O on whatever goroutines they need, and hand
// bytes and connections back across that boundary through an internal
// event queue.
package cercall
