// Package codec adapts a wire format (gob, JSON, ...) to the shapes the
// runtime needs: a call envelope, a result envelope, and an event
// envelope, each beginning with a func name. The runtime never depends on
// a specific format directly; it only depends on the Adapter interface
// here, keeping the RPC layer separate from encoding/gob and
// encoding/json.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// valueEncoder is satisfied by both *gob.Encoder and *json.Encoder: encode
// one Go value, in the order called, onto whatever stream the concrete
// encoder was bound to.
type valueEncoder interface {
	Encode(v any) error
}

// valueDecoder is satisfied by both *gob.Decoder and *json.Decoder: decode
// the next Go value from the stream the concrete decoder was bound to.
type valueDecoder interface {
	Decode(v any) error
}

// Adapter constructs the encoder/decoder pair a session uses for the life
// of a connection. Reusable reports whether a single encoder and a single
// decoder may be kept alive and fed many messages (true for gob, whose
// encoder/decoder pair caches type descriptors across the stream) or
// whether a fresh pair must be built per message (true for formats, like
// JSON, that are self-describing and gain nothing from reuse).
type Adapter interface {
	Reusable() bool
	NewEncoder() Encoder
	NewDecoder() Decoder
}

// Encoder produces framed-payload-ready bytes for one session. The runtime
// asks an Adapter for one Encoder and one Decoder per session and uses
// them for every message on it, whatever Reusable reports; a non-reusable
// adapter's Encoder/Decoder builds a fresh underlying encoder or decoder
// inside each call instead.
type Encoder interface {
	// EncodeCall encodes {func, args} where args is a single value bundling
	// the operation's positional parameters into one Args struct, e.g.
	// Args{Num1, Num2}.
	EncodeCall(funcName string, args any) ([]byte, error)
	// EncodeResult encodes {func, error_code, error_message, has_value,
	// value?}. has_value is an explicit wire marker for "value present",
	// since a codec-neutral envelope has no other way to ask a decoder "is
	// there one more field" without knowing the result's static type ahead
	// of time.
	EncodeResult(funcName string, errCode int, errMessage string, value any, hasValue bool) ([]byte, error)
	// EncodeEvent encodes {func, tag?, event}. tag is written only when
	// hasTag is true (polymorphic events); simple events carry no
	// discriminator on the wire at all.
	EncodeEvent(funcName, tag string, hasTag bool, event any) ([]byte, error)
}

// Decoder turns one payload into a func name and a Cursor positioned to
// decode whatever fields follow it.
type Decoder interface {
	DecodeEnvelope(payload []byte) (funcName string, cursor *Cursor, err error)
}

// Cursor decodes the fields that follow a func name, in the order they
// were encoded. Generic decode helpers (for call args, results, and
// events) live in the runtime package, built on top of Cursor.Next so
// they can name the concrete Go type being decoded — Go does not allow a
// generic method on a plain interface, so the type parameter has to live
// one layer up.
type Cursor struct {
	dec valueDecoder
}

// Next decodes the next field into v, which must be a pointer.
func (c *Cursor) Next(v any) error {
	return c.dec.Decode(v)
}

// GobAdapter is the reusable codec adapter: one gob.Encoder/gob.Decoder
// pair persists for the life of the session, so gob's one-time type
// descriptors, sent with the first message of a given type, are only ever
// sent once per session. Because the framer slices the byte stream into
// independently length-prefixed messages, the persistent pair here is fed
// through private buffers rather than the raw connection directly —
// otherwise those type descriptors would never reach a decoder built
// fresh per message.
type GobAdapter struct{}

func (GobAdapter) Reusable() bool { return true }

func (GobAdapter) NewEncoder() Encoder {
	buf := new(bytes.Buffer)
	return &gobEncoder{buf: buf, enc: gob.NewEncoder(buf)}
}

func (GobAdapter) NewDecoder() Decoder {
	buf := new(bytes.Buffer)
	return &gobDecoder{buf: buf, dec: gob.NewDecoder(buf)}
}

type gobEncoder struct {
	buf *bytes.Buffer
	enc *gob.Encoder
}

func (e *gobEncoder) encodeSeq(vals ...any) ([]byte, error) {
	e.buf.Reset()
	for _, v := range vals {
		if err := e.enc.Encode(v); err != nil {
			return nil, fmt.Errorf("codec: gob encode: %w", err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

func (e *gobEncoder) EncodeCall(funcName string, args any) ([]byte, error) {
	return e.encodeSeq(funcName, args)
}

func (e *gobEncoder) EncodeResult(funcName string, errCode int, errMessage string, value any, hasValue bool) ([]byte, error) {
	if hasValue {
		return e.encodeSeq(funcName, errCode, errMessage, hasValue, value)
	}
	return e.encodeSeq(funcName, errCode, errMessage, hasValue)
}

func (e *gobEncoder) EncodeEvent(funcName, tag string, hasTag bool, event any) ([]byte, error) {
	if hasTag {
		return e.encodeSeq(funcName, tag, event)
	}
	return e.encodeSeq(funcName, event)
}

type gobDecoder struct {
	buf *bytes.Buffer
	dec *gob.Decoder
}

func (d *gobDecoder) DecodeEnvelope(payload []byte) (string, *Cursor, error) {
	d.buf.Write(payload)
	var funcName string
	if err := d.dec.Decode(&funcName); err != nil {
		return "", nil, fmt.Errorf("codec: gob decode envelope: %w", err)
	}
	return funcName, &Cursor{dec: d.dec}, nil
}

// JSONAdapter is the non-reusable codec adapter: every encode and every
// decode builds a fresh json.Encoder/json.Decoder. JSON is self-describing,
// so there is no type-descriptor cache to lose by not reusing the
// encoder/decoder across messages.
type JSONAdapter struct{}

func (JSONAdapter) Reusable() bool { return false }

func (JSONAdapter) NewEncoder() Encoder { return jsonEncoder{} }

func (JSONAdapter) NewDecoder() Decoder { return jsonDecoder{} }

type jsonEncoder struct{}

func (jsonEncoder) encodeSeq(vals ...any) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	for _, v := range vals {
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("codec: json encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (e jsonEncoder) EncodeCall(funcName string, args any) ([]byte, error) {
	return e.encodeSeq(funcName, args)
}

func (e jsonEncoder) EncodeResult(funcName string, errCode int, errMessage string, value any, hasValue bool) ([]byte, error) {
	if hasValue {
		return e.encodeSeq(funcName, errCode, errMessage, hasValue, value)
	}
	return e.encodeSeq(funcName, errCode, errMessage, hasValue)
}

func (e jsonEncoder) EncodeEvent(funcName, tag string, hasTag bool, event any) ([]byte, error) {
	if hasTag {
		return e.encodeSeq(funcName, tag, event)
	}
	return e.encodeSeq(funcName, event)
}

type jsonDecoder struct{}

func (jsonDecoder) DecodeEnvelope(payload []byte) (string, *Cursor, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	var funcName string
	if err := dec.Decode(&funcName); err != nil {
		return "", nil, fmt.Errorf("codec: json decode envelope: %w", err)
	}
	return funcName, &Cursor{dec: dec}, nil
}
