package cercall

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/artwisz/cercall/codec"
	"github.com/artwisz/cercall/framer"
)

// DefaultMaxCallsInProgress is the default for MaxCallsInProgress: at
// most one call to a given function name may be outstanding or queued at
// a time, so a second call to the same name fails immediately instead of
// queueing.
const DefaultMaxCallsInProgress = 1

// DefaultEventFuncName is the envelope func name a Client expects a
// broadcast event under, unless WithEventCodec is given a different one.
const DefaultEventFuncName = "broadcast_event"

type outstandingEntry struct {
	complete func(cursor *codec.Cursor) error
	fail     func(*Error)
}

type queuedCall struct {
	send     func() error
	complete func(cursor *codec.Cursor) error
	fail     func(*Error)
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithAdapter selects the wire codec. Required; NewClient panics without
// one, the same way a misconfigured generated client would fail fast
// rather than silently talk a format nobody decodes.
func WithAdapter(a codec.Adapter) ClientOption {
	return func(c *Client) { c.adapter = a }
}

// WithEventCodec configures the Client to decode broadcast events
// arriving under funcName using ec.
func WithEventCodec(ec EventCodec, funcName string) ClientOption {
	return func(c *Client) {
		c.eventCodec = ec
		c.eventFuncName = funcName
	}
}

// WithFuncTable lets the service call back into the client: incoming
// envelopes whose func name matches a registration in t are dispatched as
// calls rather than treated as results or events.
func WithFuncTable(t *FuncTable) ClientOption {
	return func(c *Client) { c.funcs = t }
}

// WithMaxCallsInProgress overrides DefaultMaxCallsInProgress: n is the
// total number of calls to one function name that may be outstanding or
// queued at once (n-1 of them queued behind the one in flight). n must be
// at least 1.
func WithMaxCallsInProgress(n int) ClientOption {
	return func(c *Client) { c.maxCallsInProgress = n }
}

// Client is one connection's client-side endpoint: it owns the per-name
// call queueing and dedup, dispatches broadcast events to listeners, and
// — for interfaces that call back into the client — answers
// service-initiated calls through its own FuncTable. Open is called before
// Run and Post may be called from any goroutine; every other method, and
// InvokeCall/InvokeOneWay, must be called from the single goroutine
// running Run. InvokeCall, InvokeOneWay, AddListener and RemoveListener
// check this and return a LogicError when called from another goroutine;
// IsOpen, IsCallInProgress and Close do not check.
type Client struct {
	adapter            codec.Adapter
	eventCodec         EventCodec
	eventFuncName      string
	funcs              *FuncTable
	maxCallsInProgress int

	transport Transport
	enc       codec.Encoder
	dec       codec.Decoder
	fram      *framer.Framer

	open bool
	err  *Error

	outstanding map[string]outstandingEntry
	queued      map[string][]queuedCall

	listeners  []listenerEntry
	nextHandle ListenerHandle

	events chan func()
	owner  uint64
}

// NewClient builds a Client in its not-yet-open state.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		eventFuncName:      DefaultEventFuncName,
		maxCallsInProgress: DefaultMaxCallsInProgress,
		outstanding:        make(map[string]outstandingEntry),
		queued:             make(map[string][]queuedCall),
		events:             make(chan func(), 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.adapter == nil {
		panic("cercall: NewClient requires WithAdapter")
	}
	return c
}

// IsOpen reports whether the client currently has a live transport.
func (c *Client) IsOpen() bool { return c.open }

// IsCallInProgress reports whether a call to funcName is currently
// outstanding (sent, awaiting result).
func (c *Client) IsCallInProgress(funcName string) bool {
	_, busy := c.outstanding[funcName]
	return busy
}

// Open binds t as the client's transport. t must not have been started
// yet; Run starts it. Returns AlreadyConnected if called twice.
func (c *Client) Open(t Transport) *Error {
	if c.transport != nil {
		return NewAlreadyConnectedError()
	}
	c.transport = t
	c.enc = c.adapter.NewEncoder()
	c.dec = c.adapter.NewDecoder()
	c.fram = framer.New()
	c.open = true
	c.err = nil
	t.SetListener(c)
	return nil
}

// Close tears down the transport. Outstanding and queued calls are
// completed with a NotConnected error, matching fail's behavior on an
// unsolicited disconnect.
func (c *Client) Close() *Error {
	if !c.open {
		return nil
	}
	err := c.transport.Close()
	c.fail(NewNotConnectedError())
	if err != nil {
		return NewTransportError(err)
	}
	return nil
}

// AddListener registers fn to receive every broadcast event, in addition
// to any already registered, called in registration order.
func (c *Client) AddListener(fn EventListener) (ListenerHandle, *Error) {
	if err := c.checkAffinity("AddListener"); err != nil {
		return 0, err
	}
	c.nextHandle++
	h := c.nextHandle
	c.listeners = append(c.listeners, listenerEntry{handle: h, fn: fn})
	return h, nil
}

// RemoveListener unregisters the listener identified by h. Removing a
// listener mid-dispatch does not retract an event already handed to it.
func (c *Client) RemoveListener(h ListenerHandle) *Error {
	if err := c.checkAffinity("RemoveListener"); err != nil {
		return err
	}
	for i, l := range c.listeners {
		if l.handle == h {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Client) checkAffinity(op string) *Error {
	if c.owner != 0 && goroutineID() != c.owner {
		return NewLogicError(fmt.Sprintf("%s called from a goroutine other than the one running Run", op))
	}
	return nil
}

// InvokeCall sends a two-way call to funcName with args and arranges for
// cont to be invoked exactly once with the result: synchronously-refused
// calls (foreign goroutine, not connected, queue full) return a non-nil
// *Error and never invoke cont; accepted calls always eventually invoke
// cont, even if the connection fails first. Up to MaxCallsInProgress
// calls to the same funcName may be outstanding or queued at once; with
// the default of 1, a second call to a busy funcName fails immediately
// instead of queueing. Queued calls are sent in order, one at a time, as
// the call ahead of them completes.
func InvokeCall[A, R any](c *Client, funcName string, args A, cont func(Result[R])) *Error {
	if err := c.checkAffinity("InvokeCall"); err != nil {
		return err
	}
	if !c.open {
		return NewNotConnectedError()
	}
	complete := func(cursor *codec.Cursor) error {
		res, err := decodeResult[R](cursor)
		if err != nil {
			return err
		}
		cont(res)
		return nil
	}
	fail := func(e *Error) { cont(ErrResult[R](e)) }
	send := func() error { return c.sendCall(funcName, args) }

	if _, busy := c.outstanding[funcName]; busy {
		q := c.queued[funcName]
		if len(q) >= c.maxCallsInProgress-1 {
			return NewQueueOverflowError(funcName)
		}
		c.queued[funcName] = append(q, queuedCall{send: send, complete: complete, fail: fail})
		return nil
	}
	c.outstanding[funcName] = outstandingEntry{complete: complete, fail: fail}
	if err := send(); err != nil {
		delete(c.outstanding, funcName)
		return NewTransportError(err)
	}
	return nil
}

// InvokeOneWay sends a call with no result. It is never queued or
// deduplicated against other calls to the same funcName, since there is
// no result to order against.
func InvokeOneWay[A any](c *Client, funcName string, args A) *Error {
	if err := c.checkAffinity("InvokeOneWay"); err != nil {
		return err
	}
	if !c.open {
		return NewNotConnectedError()
	}
	if err := c.sendCall(funcName, args); err != nil {
		return NewTransportError(err)
	}
	return nil
}

func (c *Client) sendCall(funcName string, args any) error {
	payload, err := c.enc.EncodeCall(funcName, args)
	if err != nil {
		return err
	}
	return c.writeFramed(payload)
}

func (c *Client) writeFramed(payload []byte) error {
	var buf bytes.Buffer
	if err := framer.WriteMessage(&buf, payload); err != nil {
		return err
	}
	return c.transport.Write(buf.Bytes())
}

// OnIncomingData implements TransportListener. It runs on whatever
// goroutine the Transport's read loop uses, so it only ever posts a
// closure onto the events channel; all actual state mutation happens
// inside that closure, on the driver goroutine.
func (c *Client) OnIncomingData(data []byte) {
	buf := append([]byte(nil), data...)
	c.events <- func() { c.handleIncomingData(buf) }
}

// OnTransportClosed implements TransportListener.
func (c *Client) OnTransportClosed(err error) {
	c.events <- func() {
		if err != nil {
			c.fail(NewTransportError(err))
		} else {
			c.fail(NewNotConnectedError())
		}
	}
}

func (c *Client) handleIncomingData(data []byte) {
	if !c.open {
		return
	}
	messages, err := c.fram.Feed(data)
	if err != nil {
		c.fail(NewProtocolError(err.Error()))
		return
	}
	for _, payload := range messages {
		if err := c.handleMessage(payload); err != nil {
			c.fail(NewProtocolError(err.Error()))
			return
		}
	}
}

func (c *Client) handleMessage(payload []byte) error {
	funcName, cursor, err := c.dec.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	if entry, busy := c.outstanding[funcName]; busy {
		delete(c.outstanding, funcName)
		c.advanceQueue(funcName)
		if err := entry.complete(cursor); err != nil {
			entry.fail(NewProtocolError(err.Error()))
			return err
		}
		return nil
	}

	if c.funcs != nil {
		if _, ok := c.funcs.OneWay(funcName); ok {
			c.funcs.Dispatch(funcName, Context{}, cursor, c.enc, c.post, func(respPayload []byte, respErr error) {
				if respErr != nil {
					log.Printf("cercall: client answering %q: %v", funcName, respErr)
					return
				}
				if respPayload != nil {
					if err := c.writeFramed(respPayload); err != nil {
						c.fail(NewTransportError(err))
					}
				}
			})
			return nil
		}
	}

	if c.eventCodec != nil && funcName == c.eventFuncName {
		tag, event, err := c.eventCodec.DecodeEvent(cursor)
		if err != nil {
			return err
		}
		c.dispatchEvent(tag, event)
		return nil
	}

	return fmt.Errorf("cercall: unsolicited envelope for %q", funcName)
}

func (c *Client) advanceQueue(funcName string) {
	q := c.queued[funcName]
	if len(q) == 0 {
		delete(c.queued, funcName)
		return
	}
	next := q[0]
	c.queued[funcName] = q[1:]
	c.outstanding[funcName] = outstandingEntry{complete: next.complete, fail: next.fail}
	if err := next.send(); err != nil {
		delete(c.outstanding, funcName)
		next.fail(NewTransportError(err))
		c.advanceQueue(funcName)
	}
}

func (c *Client) dispatchEvent(tag string, event any) {
	snapshot := make([]listenerEntry, len(c.listeners))
	copy(snapshot, c.listeners)
	for _, l := range snapshot {
		l.fn(tag, event)
	}
}

// Post schedules fn to run on the driver goroutine, from any goroutine.
// It is the only supported way to call InvokeCall/InvokeOneWay/
// AddListener/etc. from outside the driver loop itself — e.g. from a
// timer goroutine that wants to place a call — and it is the same hook
// Sink.Complete uses internally so an asynchronous answer from a
// client-side FuncTable handler is never applied off the driver goroutine.
func (c *Client) Post(fn func()) {
	c.events <- fn
}

func (c *Client) post(fn func()) { c.Post(fn) }

func (c *Client) fail(e *Error) {
	if !c.open {
		return
	}
	c.open = false
	c.err = e
	for name, entry := range c.outstanding {
		delete(c.outstanding, name)
		entry.fail(e)
	}
	for name, q := range c.queued {
		delete(c.queued, name)
		for _, qc := range q {
			qc.fail(e)
		}
	}
}

// Run drives the client: it starts the transport's read loop and then
// serially executes every closure the transport's callbacks and any
// pending Sink completions post, until ctx is cancelled or the transport
// loop ends. The calling goroutine becomes "the" goroutine every other
// Client method must be called from.
func (c *Client) Run(ctx context.Context) error {
	c.owner = goroutineID()
	transportDone := make(chan error, 1)
	go func() { transportDone <- c.transport.Run(ctx) }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-transportDone:
			return err
		case fn := <-c.events:
			fn()
		}
	}
}
