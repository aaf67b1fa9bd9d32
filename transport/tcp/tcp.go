// Package tcp is the net.Listener/net.Conn cercall.Transport/Acceptor
// implementation: a plain byte-chunk pump that hands everything upstream
// to the core's Framer instead of dispatching RPC calls itself.
package tcp

import (
	"context"
	"log"
	"net"

	"github.com/artwisz/cercall"
)

// Transport wraps one net.Conn as a cercall.Transport.
type Transport struct {
	conn     net.Conn
	listener cercall.TransportListener
}

// New wraps an already-established connection, such as one returned by
// net.Dial or accepted by a Listener.
func New(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) SetListener(l cercall.TransportListener) { t.listener = l }

func (t *Transport) Write(framed []byte) error {
	_, err := t.conn.Write(framed)
	return err
}

func (t *Transport) Close() error { return t.conn.Close() }

// Run reads from the connection until ctx is cancelled or the peer
// disconnects, delivering every chunk read to the installed
// TransportListener in order.
func (t *Transport) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.listener.OnIncomingData(buf[:n])
		}
		if err != nil {
			t.listener.OnTransportClosed(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
	}
}

// Acceptor wraps a net.Listener as a cercall.Acceptor: one goroutine
// blocked in Accept, handing every connection off rather than serving it
// inline.
type Acceptor struct {
	ln       net.Listener
	listener cercall.AcceptorListener
}

// NewAcceptor wraps an already-bound net.Listener.
func NewAcceptor(ln net.Listener) *Acceptor {
	return &Acceptor{ln: ln}
}

// Listen is a convenience constructor mirroring net.Listen's own
// signature.
func Listen(network, address string) (*Acceptor, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return NewAcceptor(ln), nil
}

func (a *Acceptor) SetListener(l cercall.AcceptorListener) { a.listener = l }

func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Run accepts connections until ctx is cancelled or the listener fails.
func (a *Acceptor) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.ln.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("cercall/transport/tcp: accept: %v", err)
			return err
		}
		a.listener.OnAccept(New(conn))
	}
}

func (a *Acceptor) Close() error { return a.ln.Close() }
