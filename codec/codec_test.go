package codec

import "testing"

type addArgs struct {
	A, B int32
}

func TestGobAdapter_RoundTripCallAndResult(t *testing.T) {
	enc := GobAdapter{}.NewEncoder()
	dec := GobAdapter{}.NewDecoder()

	callPayload, err := enc.EncodeCall("Calculator::add", addArgs{A: 1, B: 2})
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	funcName, cursor, err := dec.DecodeEnvelope(callPayload)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if funcName != "Calculator::add" {
		t.Fatalf("funcName = %q", funcName)
	}
	var args addArgs
	if err := cursor.Next(&args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args != (addArgs{A: 1, B: 2}) {
		t.Fatalf("args = %+v", args)
	}

	resultPayload, err := enc.EncodeResult("Calculator::add", 0, "", int32(3), true)
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	funcName, cursor, err = dec.DecodeEnvelope(resultPayload)
	if err != nil {
		t.Fatalf("DecodeEnvelope result: %v", err)
	}
	if funcName != "Calculator::add" {
		t.Fatalf("funcName = %q", funcName)
	}
	var code int
	var msg string
	var hasValue bool
	var value int32
	if err := cursor.Next(&code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	if err := cursor.Next(&msg); err != nil {
		t.Fatalf("decode msg: %v", err)
	}
	if err := cursor.Next(&hasValue); err != nil {
		t.Fatalf("decode hasValue: %v", err)
	}
	if !hasValue {
		t.Fatalf("expected hasValue")
	}
	if err := cursor.Next(&value); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if code != 0 || msg != "" || value != 3 {
		t.Fatalf("got code=%d msg=%q value=%d", code, msg, value)
	}
}

func TestGobAdapter_ResultWithoutValue(t *testing.T) {
	enc := GobAdapter{}.NewEncoder()
	dec := GobAdapter{}.NewDecoder()

	payload, err := enc.EncodeResult("Calculator::reset", 7, "boom", nil, false)
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	_, cursor, err := dec.DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	var code int
	var msg string
	var hasValue bool
	if err := cursor.Next(&code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	if err := cursor.Next(&msg); err != nil {
		t.Fatalf("decode msg: %v", err)
	}
	if err := cursor.Next(&hasValue); err != nil {
		t.Fatalf("decode hasValue: %v", err)
	}
	if code != 7 || msg != "boom" || hasValue {
		t.Fatalf("got code=%d msg=%q hasValue=%v", code, msg, hasValue)
	}
}

func TestJSONAdapter_RoundTripCallAndEvent(t *testing.T) {
	enc := JSONAdapter{}.NewEncoder()
	dec := JSONAdapter{}.NewDecoder()

	callPayload, err := enc.EncodeCall("Calculator::add", addArgs{A: 10, B: 20})
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	funcName, cursor, err := dec.DecodeEnvelope(callPayload)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if funcName != "Calculator::add" {
		t.Fatalf("funcName = %q", funcName)
	}
	var args addArgs
	if err := cursor.Next(&args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args != (addArgs{A: 10, B: 20}) {
		t.Fatalf("args = %+v", args)
	}

	type tick struct{ N int }
	eventPayload, err := enc.EncodeEvent("Clock::broadcast_event", "", false, tick{N: 5})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	funcName, cursor, err = dec.DecodeEnvelope(eventPayload)
	if err != nil {
		t.Fatalf("DecodeEnvelope event: %v", err)
	}
	if funcName != "Clock::broadcast_event" {
		t.Fatalf("funcName = %q", funcName)
	}
	var got tick
	if err := cursor.Next(&got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.N != 5 {
		t.Fatalf("got = %+v", got)
	}
}

func TestJSONAdapter_PolymorphicEventTag(t *testing.T) {
	enc := JSONAdapter{}.NewEncoder()
	dec := JSONAdapter{}.NewDecoder()

	type eventA struct{ Text string }
	payload, err := enc.EncodeEvent("Watcher::broadcast_event", "A", true, eventA{Text: "hi"})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	_, cursor, err := dec.DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	var tag string
	if err := cursor.Next(&tag); err != nil {
		t.Fatalf("decode tag: %v", err)
	}
	if tag != "A" {
		t.Fatalf("tag = %q", tag)
	}
	var a eventA
	if err := cursor.Next(&a); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if a.Text != "hi" {
		t.Fatalf("a = %+v", a)
	}
}
