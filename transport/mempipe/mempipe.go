// Package mempipe is an in-memory cercall.Transport/Acceptor pair built on
// net.Pipe, used by this module's own tests to exercise Client and
// Service without opening a real socket.
package mempipe

import (
	"context"
	"net"

	"github.com/artwisz/cercall"
)

// Transport wraps one net.Conn half of a net.Pipe as a cercall.Transport.
type Transport struct {
	conn     net.Conn
	listener cercall.TransportListener
}

// New wraps conn. conn is typically one end of net.Pipe(), or a *net.TCPConn
// for callers that want this package's framing-agnostic read loop over a
// real socket too.
func New(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) SetListener(l cercall.TransportListener) { t.listener = l }

func (t *Transport) Write(framed []byte) error {
	_, err := t.conn.Write(framed)
	return err
}

func (t *Transport) Close() error { return t.conn.Close() }

// Run reads from conn until ctx is cancelled or the connection ends,
// delivering every chunk read to the installed TransportListener.
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

// Acceptor pairs net.Pipe-connected Transports: each call to Dial produces
// one new pipe and delivers the server-side half to the installed
// AcceptorListener, synchronously, the way an in-process test harness
// wants accept latency to be zero.
type Acceptor struct {
	listener cercall.AcceptorListener
	dial     chan struct{}
	closed   chan struct{}
}

// NewAcceptor returns an Acceptor with no connections queued yet.
func NewAcceptor() *Acceptor {
	return &Acceptor{dial: make(chan struct{}), closed: make(chan struct{})}
}

func (a *Acceptor) SetListener(l cercall.AcceptorListener) { a.listener = l }

// Dial creates a fresh net.Pipe, hands the server half to the
// AcceptorListener's OnAccept (which for a Service only queues the accept
// and returns), and returns the client half wrapped as a Transport.
func (a *Acceptor) Dial() *Transport {
	client, server := net.Pipe()
	a.listener.OnAccept(New(server))
	return New(client)
}

// Run blocks until ctx is cancelled; mempipe connections are created
// directly through Dial rather than through a background accept loop, so
// Run's only job is to observe cancellation and satisfy the Acceptor
// contract.
func (a *Acceptor) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return nil
	}
}

func (a *Acceptor) Close() error {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
	return nil
}
