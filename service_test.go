package cercall_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/artwisz/cercall"
	"github.com/artwisz/cercall/codec"
	"github.com/artwisz/cercall/framer"
	"github.com/artwisz/cercall/transport/mempipe"
)

// captureListener decodes every payload it receives back into discrete
// frames, pushing each one onto frames. It lets a test talk to a Service
// below the level of a Client, so it can control exactly when and how
// many call envelopes hit the wire.
type captureListener struct {
	fram   *framer.Framer
	frames chan []byte
}

func newCaptureListener() *captureListener {
	return &captureListener{fram: framer.New(), frames: make(chan []byte, 16)}
}

func (l *captureListener) OnIncomingData(data []byte) {
	msgs, err := l.fram.Feed(data)
	if err != nil {
		return
	}
	for _, m := range msgs {
		l.frames <- m
	}
}

func (l *captureListener) OnTransportClosed(error) {}

func writeCall(t *testing.T, tr *mempipe.Transport, funcName string, args any) {
	t.Helper()
	enc := codec.GobAdapter{}.NewEncoder()
	payload, err := enc.EncodeCall(funcName, args)
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	var buf bytes.Buffer
	if err := framer.WriteMessage(&buf, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := tr.Write(buf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestService_DuplicateCallGetsOperationInProgress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proceed := make(chan struct{})
	funcs := cercall.NewFuncTable()
	cercall.RegisterFunc(funcs, "Slow::op", cercall.Handler[struct{}, int32](
		func(_ cercall.Context, _ struct{}, sink cercall.Sink[int32]) {
			go func() {
				<-proceed
				sink.Complete(cercall.OkResult[int32](1))
			}()
		}))
	svc := cercall.NewService(cercall.WithServiceAdapter(codec.GobAdapter{}), cercall.WithFuncs(funcs))
	acc := mempipe.NewAcceptor()
	svc.AddAcceptor(acc)
	go func() { _ = svc.Serve(ctx) }()

	tr := acc.Dial()
	capture := newCaptureListener()
	tr.SetListener(capture)
	go func() { _ = tr.Run(ctx) }()

	writeCall(t, tr, "Slow::op", struct{}{})
	time.Sleep(50 * time.Millisecond) // let the server dispatch and block on proceed
	writeCall(t, tr, "Slow::op", struct{}{})

	dec := codec.GobAdapter{}.NewDecoder()

	var first []byte
	select {
	case first = <-capture.frames:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first response")
	}
	_, cursor, err := dec.DecodeEnvelope(first)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	code, _, _, _ := decodeGobResultHeader(t, cursor)
	if code != int(cercall.CodeOperationInProgress) {
		t.Fatalf("expected OperationInProgress (%d), got code %d", cercall.CodeOperationInProgress, code)
	}

	close(proceed)

	var second []byte
	select {
	case second = <-capture.frames:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second response")
	}
	_, cursor, err = dec.DecodeEnvelope(second)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	code, _, hasValue, value := decodeGobResultHeader(t, cursor)
	if code != 0 || !hasValue || value != 1 {
		t.Fatalf("expected ok result value 1, got code=%d hasValue=%v value=%d", code, hasValue, value)
	}
}

// decodeGobResultHeader reads the {code, message, hasValue, value?}
// envelope every result carries, mirroring the runtime's own unexported
// decodeResult[int32].
func decodeGobResultHeader(t *testing.T, cursor *codec.Cursor) (code int, msg string, hasValue bool, value int32) {
	t.Helper()
	if err := cursor.Next(&code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	if err := cursor.Next(&msg); err != nil {
		t.Fatalf("decode msg: %v", err)
	}
	if err := cursor.Next(&hasValue); err != nil {
		t.Fatalf("decode hasValue: %v", err)
	}
	if hasValue {
		if err := cursor.Next(&value); err != nil {
			t.Fatalf("decode value: %v", err)
		}
	}
	return code, msg, hasValue, value
}

func TestService_PolymorphicBroadcastEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type lit struct{ Text string }
	type num struct{ N int }

	registry := cercall.NewEventRegistry()
	cercall.RegisterEventType[lit](registry, "lit")
	cercall.RegisterEventType[num](registry, "num")

	funcs := cercall.NewFuncTable()
	svc := cercall.NewService(
		cercall.WithServiceAdapter(codec.GobAdapter{}),
		cercall.WithFuncs(funcs),
		cercall.WithServiceEventCodec(registry, cercall.DefaultEventFuncName),
	)
	acc := mempipe.NewAcceptor()
	svc.AddAcceptor(acc)
	go func() { _ = svc.Serve(ctx) }()

	client := dialClient(t, ctx, acc,
		cercall.WithAdapter(codec.GobAdapter{}),
		cercall.WithEventCodec(registry, cercall.DefaultEventFuncName),
	)

	type seen struct {
		tag   string
		event any
	}
	events := make(chan seen, 4)
	client.Post(func() {
		if _, err := client.AddListener(func(tag string, event any) {
			events <- seen{tag: tag, event: event}
		}); err != nil {
			t.Errorf("AddListener: %v", err)
		}
	})

	time.Sleep(50 * time.Millisecond)
	svc.Post(func() {
		if err := cercall.BroadcastEvent(svc, "lit", lit{Text: "hi"}); err != nil {
			t.Errorf("BroadcastEvent lit: %v", err)
		}
		if err := cercall.BroadcastEvent(svc, "num", num{N: 7}); err != nil {
			t.Errorf("BroadcastEvent num: %v", err)
		}
	})

	for i := 0; i < 2; i++ {
		select {
		case got := <-events:
			switch got.tag {
			case "lit":
				if v, ok := got.event.(*lit); !ok || v.Text != "hi" {
					t.Fatalf("lit event = %+v", got.event)
				}
			case "num":
				if v, ok := got.event.(*num); !ok || v.N != 7 {
					t.Fatalf("num event = %+v", got.event)
				}
			default:
				t.Fatalf("unexpected tag %q", got.tag)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestClient_TransportCloseFailsOutstandingAndQueued(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hang := make(chan struct{})
	funcs := cercall.NewFuncTable()
	cercall.RegisterFunc(funcs, "Slow::op", cercall.Handler[struct{}, int32](
		func(_ cercall.Context, _ struct{}, _ cercall.Sink[int32]) {
			<-hang
		}))
	svc := cercall.NewService(cercall.WithServiceAdapter(codec.GobAdapter{}), cercall.WithFuncs(funcs))
	acc := mempipe.NewAcceptor()
	svc.AddAcceptor(acc)
	go func() { _ = svc.Serve(ctx) }()
	defer close(hang)

	client := dialClient(t, ctx, acc, cercall.WithAdapter(codec.GobAdapter{}), cercall.WithMaxCallsInProgress(5))

	results := make(chan cercall.Result[int32], 2)
	client.Post(func() {
		_ = cercall.InvokeCall(client, "Slow::op", struct{}{}, func(res cercall.Result[int32]) { results <- res })
		_ = cercall.InvokeCall(client, "Slow::op", struct{}{}, func(res cercall.Result[int32]) { results <- res })
	})

	time.Sleep(50 * time.Millisecond)
	client.Post(func() {
		if err := client.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.IsOk() {
				t.Fatalf("expected failure, got ok result")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for failed result %d", i)
		}
	}
}
