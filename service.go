package cercall

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/artwisz/cercall/codec"
	"github.com/artwisz/cercall/framer"
)

// pendingKey identifies one in-flight two-way call within a session: a
// second call to the same function on the same session while the first is
// still unanswered is refused with OperationInProgress rather than
// dispatched a second time.
type pendingKey struct {
	session *Session
	funcName string
}

// Session is one accepted connection on a Service. Handlers receive it
// through Context.Session and may hold onto it past the call that handed
// it out, e.g. to identify the caller by ID or to Close the connection
// later. BroadcastEvent always writes to every open session; it cannot be
// aimed at one Session.
type Session struct {
	svc       *Service
	transport Transport
	enc       codec.Encoder
	dec       codec.Decoder
	fram      *framer.Framer
	closed    bool
	id        uint64
}

// ID returns a value stable for the life of the session, unique among
// sessions concurrently open on the same Service.
func (s *Session) ID() uint64 { return s.id }

// Close disconnects this session's transport. Safe to call from a
// handler; the actual teardown happens on the Service's driver goroutine.
func (s *Session) Close() {
	s.svc.events <- func() { s.svc.disconnect(s, nil) }
}

// ServiceOption configures a Service at construction time.
type ServiceOption func(*Service)

// WithServiceAdapter selects the wire codec new sessions use. Required.
func WithServiceAdapter(a codec.Adapter) ServiceOption {
	return func(s *Service) { s.adapter = a }
}

// WithServiceEventCodec configures broadcast events to be written under
// funcName using ec.
func WithServiceEventCodec(ec EventCodec, funcName string) ServiceOption {
	return func(s *Service) {
		s.eventCodec = ec
		s.eventFuncName = funcName
	}
}

// WithFuncs installs the function table incoming calls are dispatched
// against. Required for a Service that answers any calls at all.
func WithFuncs(t *FuncTable) ServiceOption {
	return func(s *Service) { s.funcs = t }
}

// Service is the server-side endpoint for a set of sessions accepted
// through one or more Acceptors: it dispatches incoming calls to a
// FuncTable, tracks one in-flight call per (session, funcName) pair to
// reject duplicates, and can broadcast events to every open session.
// AddAcceptor is called before Serve and Post may be called from any
// goroutine; every other Service method, and BroadcastEvent, must be
// called from the single goroutine running Serve. Only BroadcastEvent
// checks this and returns a LogicError otherwise.
type Service struct {
	adapter       codec.Adapter
	eventCodec    EventCodec
	eventFuncName string
	funcs         *FuncTable

	acceptors []Acceptor
	sessions  map[*Session]struct{}
	nextID    uint64

	pending map[pendingKey]struct{}

	events chan func()
	owner  uint64
	ctx    context.Context
}

// NewService builds a Service with no sessions and no acceptors yet.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		eventFuncName: DefaultEventFuncName,
		sessions:      make(map[*Session]struct{}),
		pending:       make(map[pendingKey]struct{}),
		events:        make(chan func(), 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.adapter == nil {
		panic("cercall: NewService requires WithServiceAdapter")
	}
	if s.funcs == nil {
		panic("cercall: NewService requires WithFuncs")
	}
	return s
}

// AddAcceptor registers a to be started when Serve runs. Must be called
// before Serve.
func (s *Service) AddAcceptor(a Acceptor) {
	a.SetListener(s)
	s.acceptors = append(s.acceptors, a)
}

// Sessions returns every currently open session, in no particular order.
func (s *Service) Sessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Service) checkAffinity(op string) *Error {
	if s.owner != 0 && goroutineID() != s.owner {
		return NewLogicError(fmt.Sprintf("%s called from a goroutine other than the one running Serve", op))
	}
	return nil
}

// BroadcastEvent encodes event under tag (ignored by a SimpleEventCodec)
// and writes it to every currently open session. A per-session write
// failure disconnects that session and is otherwise not reported to the
// caller; BroadcastEvent is best-effort by nature, same as a server
// pushing ticks to however many clients happen to still be listening.
func BroadcastEvent[E any](s *Service, tag string, event E) *Error {
	if err := s.checkAffinity("BroadcastEvent"); err != nil {
		return err
	}
	if s.eventCodec == nil {
		return NewLogicError("BroadcastEvent called without WithServiceEventCodec")
	}
	for sess := range s.sessions {
		payload, err := s.eventCodec.EncodeEvent(sess.enc, s.eventFuncName, tag, event)
		if err != nil {
			s.disconnect(sess, err)
			continue
		}
		if err := s.writeFramed(sess, payload); err != nil {
			s.disconnect(sess, err)
		}
	}
	return nil
}

// OnAccept implements AcceptorListener. Like a Transport's read loop, an
// Acceptor may call this from any goroutine, so it only posts a closure.
func (s *Service) OnAccept(t Transport) {
	s.events <- func() { s.acceptSession(t) }
}

func (s *Service) acceptSession(t Transport) {
	s.nextID++
	sess := &Session{
		svc:       s,
		transport: t,
		enc:       s.adapter.NewEncoder(),
		dec:       s.adapter.NewDecoder(),
		fram:      framer.New(),
		id:        s.nextID,
	}
	s.sessions[sess] = struct{}{}
	t.SetListener(&sessionListener{svc: s, sess: sess})
	go func() { _ = t.Run(s.ctx) }()
}

// sessionListener adapts TransportListener's per-connection callbacks to
// the Service's session-keyed handling; it exists because a Transport
// only knows how to address one listener, but the Service multiplexes
// many sessions behind a single driver loop.
type sessionListener struct {
	svc  *Service
	sess *Session
}

func (l *sessionListener) OnIncomingData(data []byte) {
	buf := append([]byte(nil), data...)
	l.svc.events <- func() { l.svc.handleIncomingData(l.sess, buf) }
}

func (l *sessionListener) OnTransportClosed(err error) {
	l.svc.events <- func() { l.svc.disconnect(l.sess, err) }
}

func (s *Service) handleIncomingData(sess *Session, data []byte) {
	if sess.closed {
		return
	}
	messages, err := sess.fram.Feed(data)
	if err != nil {
		s.disconnect(sess, err)
		return
	}
	for _, payload := range messages {
		if err := s.handleMessage(sess, payload); err != nil {
			s.disconnect(sess, err)
			return
		}
	}
}

func (s *Service) handleMessage(sess *Session, payload []byte) error {
	funcName, cursor, err := sess.dec.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	oneWay, ok := s.funcs.OneWay(funcName)
	if !ok {
		return fmt.Errorf("cercall: unknown function %q", funcName)
	}

	if oneWay {
		s.funcs.Dispatch(funcName, Context{Session: sess}, cursor, sess.enc, s.post, func([]byte, error) {})
		return nil
	}

	key := pendingKey{session: sess, funcName: funcName}
	if _, busy := s.pending[key]; busy {
		payload, err := encodeResult[Void](sess.enc, funcName, ErrResult[Void](NewOperationInProgressError()))
		if err != nil {
			return err
		}
		return s.writeFramed(sess, payload)
	}
	s.pending[key] = struct{}{}

	s.funcs.Dispatch(funcName, Context{Session: sess}, cursor, sess.enc, s.post, func(respPayload []byte, respErr error) {
		delete(s.pending, key)
		if respErr != nil {
			log.Printf("cercall: dispatching %q: %v", funcName, respErr)
			s.disconnect(sess, respErr)
			return
		}
		if err := s.writeFramed(sess, respPayload); err != nil {
			s.disconnect(sess, err)
		}
	})
	return nil
}

func (s *Service) writeFramed(sess *Session, payload []byte) error {
	var buf bytes.Buffer
	if err := framer.WriteMessage(&buf, payload); err != nil {
		return err
	}
	return sess.transport.Write(buf.Bytes())
}

// Post schedules fn to run on the driver goroutine, from any goroutine.
// BroadcastEvent and every other Service method must be called from
// either the goroutine running Serve or from inside a closure passed to
// Post; Sink.Complete for a Service-side Handler always goes through this.
func (s *Service) Post(fn func()) {
	s.events <- fn
}

func (s *Service) post(fn func()) { s.Post(fn) }

func (s *Service) disconnect(sess *Session, cause error) {
	if sess.closed {
		return
	}
	sess.closed = true
	delete(s.sessions, sess)
	for key := range s.pending {
		if key.session == sess {
			delete(s.pending, key)
		}
	}
	if cause != nil {
		log.Printf("cercall: session %d disconnected: %v", sess.id, cause)
	}
	_ = sess.transport.Close()
}

// Serve starts every registered Acceptor and then serially executes every
// closure posted by session I/O callbacks, Sink completions, and accepted
// connections, until ctx is cancelled or one of the Acceptors' Run returns
// (Serve then returns that Run's error). The calling goroutine becomes "the"
// goroutine every other Service method (including BroadcastEvent) must be
// called from.
func (s *Service) Serve(ctx context.Context) error {
	s.owner = goroutineID()
	s.ctx = ctx
	var stopped atomic.Bool
	done := make(chan error, len(s.acceptors))
	for _, a := range s.acceptors {
		a := a
		go func() {
			err := a.Run(ctx)
			if !stopped.Load() {
				done <- err
			}
		}()
	}
	for {
		select {
		case <-ctx.Done():
			stopped.Store(true)
			for _, a := range s.acceptors {
				_ = a.Close()
			}
			return ctx.Err()
		case err := <-done:
			return err
		case fn := <-s.events:
			fn()
		}
	}
}
