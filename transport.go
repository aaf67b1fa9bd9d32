package cercall

import "context"

// Transport is one connection's raw byte pipe, owned by a Client or by one
// Service session. The runtime never reads from it directly on its driver
// goroutine; instead a Transport implementation runs its own read loop (on
// whatever goroutine fits its I/O model — a single blocking Read loop for
// net.Conn, an event callback for an async library) and calls
// TransportListener.OnIncomingData as bytes arrive. That hands reassembly
// to the core's Framer and keeps the Transport interface itself tiny.
type Transport interface {
	// Write sends one already-framed message. Implementations must not
	// interleave partial writes of two messages.
	Write(framed []byte) error
	// Close tears down the connection. Idempotent.
	Close() error
	// SetListener installs the callback the Transport's read loop delivers
	// incoming bytes and terminal errors to. Called once, before the
	// transport is asked to start reading.
	SetListener(l TransportListener)
	// Run starts the transport's read loop and blocks until ctx is
	// cancelled or the connection ends. Implementations deliver every byte
	// read to the installed TransportListener before Run returns.
	Run(ctx context.Context) error
}

// TransportListener receives bytes and lifecycle events from a Transport's
// read loop. Implementations (Client, Service's per-session dispatch) must
// treat these calls as occurring on an arbitrary goroutine and must not
// mutate shared state directly from inside them — the convention followed
// throughout this package is to post a closure onto an events channel and
// let the driver loop run it.
type TransportListener interface {
	// OnIncomingData delivers a chunk of bytes exactly as read from the
	// wire, in order, with no framing applied yet.
	OnIncomingData(data []byte)
	// OnTransportClosed reports the connection ending, either cleanly or
	// with err set to the cause.
	OnTransportClosed(err error)
}

// Acceptor listens for inbound connections and produces a Transport per
// accepted connection, handed to AcceptorListener.OnAccept.
type Acceptor interface {
	SetListener(l AcceptorListener)
	// Run starts accepting and blocks until ctx is cancelled or the
	// listener fails irrecoverably.
	Run(ctx context.Context) error
	// Close stops accepting and releases any bound resources.
	Close() error
}

// AcceptorListener receives newly accepted connections.
type AcceptorListener interface {
	OnAccept(t Transport)
}
