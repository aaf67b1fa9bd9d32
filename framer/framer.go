// Package framer turns a reliable byte stream into discrete length-prefixed
// messages, and prepends length prefixes on write. Buffering is promoted
// to a standalone reassembly state machine so any transport, not just a
// gob-backed one, can sit on top of it.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerLen is the size, in bytes, of the little-endian length prefix that
// precedes every payload on the wire.
const headerLen = 4

// MaxPayloadLen is the largest payload WriteMessage will write. It is
// 2^32-1 minus the header itself, per the wire format. Feed does not check
// it: any nonzero 32-bit length is accepted on read.
const MaxPayloadLen = 1<<32 - 1 - headerLen

// ErrZeroLength is returned when a header advertises a zero-length payload.
// The wire format forbids this; the session that produced it must be
// closed by the caller.
var ErrZeroLength = errors.New("framer: zero-length payload")

// ErrMessageTooLong is returned by WriteMessage when the payload exceeds
// MaxPayloadLen.
var ErrMessageTooLong = fmt.Errorf("framer: message exceeds %d bytes", MaxPayloadLen)

// state is the Framer's read state, alternating between awaiting a header
// and awaiting the payload bytes the header promised.
type state int

const (
	stateHeader state = iota
	stateMessage
)

// Framer reassembles one session's byte stream into discrete payloads. It
// is not safe for concurrent use: a session has exactly one reader, and
// the Framer is part of that reader's state.
type Framer struct {
	st     state
	need   uint32 // payload length, valid only in stateMessage
	buf    []byte // bytes received but not yet consumed
	offset int    // start of unconsumed bytes within buf
}

// New returns a Framer awaiting the first 4-byte header.
func New() *Framer {
	return &Framer{st: stateHeader}
}

// Feed appends newly-arrived bytes and extracts every complete message now
// available, in arrival order. It never buffers more than one
// message-in-progress worth of unconsumed bytes; the caller (transport)
// owns the raw byte buffer beyond that.
func (f *Framer) Feed(data []byte) ([][]byte, error) {
	defer f.compact()
	f.buf = append(f.buf, data...)

	var msgs [][]byte
	for {
		switch f.st {
		case stateHeader:
			if len(f.buf)-f.offset < headerLen {
				return msgs, nil
			}
			length := binary.LittleEndian.Uint32(f.buf[f.offset : f.offset+headerLen])
			f.offset += headerLen
			if length == 0 {
				return msgs, ErrZeroLength
			}
			f.need = length
			f.st = stateMessage
		case stateMessage:
			have := len(f.buf) - f.offset
			if uint32(have) < f.need {
				return msgs, nil
			}
			payload := make([]byte, f.need)
			copy(payload, f.buf[f.offset:f.offset+int(f.need)])
			f.offset += int(f.need)
			f.st = stateHeader
			msgs = append(msgs, payload)
		}
	}
}

// compact discards already-consumed bytes so the backing array does not
// grow without bound across the life of a long session.
func (f *Framer) compact() {
	if f.offset == 0 {
		return
	}
	remaining := copy(f.buf, f.buf[f.offset:])
	f.buf = f.buf[:remaining]
	f.offset = 0
}

// WriteMessage frames payload with its length prefix and writes it to w in
// a single call, per the wire format's one-write-per-message contract.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrZeroLength
	}
	if uint64(len(payload)) > MaxPayloadLen {
		return ErrMessageTooLong
	}
	frame := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerLen:], payload)
	_, err := w.Write(frame)
	return err
}
