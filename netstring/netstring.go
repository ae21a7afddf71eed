// Package netstring implements the length-prefixed framing that delimits
// messages on the wire: an ASCII decimal byte count, a ':' separator, the raw
// payload and a trailing ','. The codec is strictly byte-oriented: the
// declared length always counts payload bytes, never decoded characters, so
// multi-byte UTF-8 payloads frame correctly.
//
// Decode is designed to be called in a loop against a growing receive buffer:
// each successful call consumes exactly one frame and returns the unconsumed
// remainder for the next call. A buffer that does not yet hold a complete
// frame yields ErrIncomplete and consumes nothing.
package netstring

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	separator  = ':'
	terminator = ','

	// maxLength caps the declared payload size at 2 GiB. Anything larger is
	// rejected as malformed before the length accumulator can overflow int.
	maxLength = 1<<31 - 1
)

// ErrIncomplete signals that the buffer does not yet contain a complete
// frame. It is not a failure: callers should read more bytes and retry with
// the enlarged buffer.
var ErrIncomplete = errors.New("netstring: incomplete frame")

// MalformedError reports a byte that violates the framing grammar. Framing
// errors are fatal to a connection; no resynchronization is attempted.
type MalformedError struct {
	Offset int  // position of the offending byte within the buffer
	Byte   byte // the offending byte
	Reason string
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("netstring: malformed frame at offset %d (byte %q): %s", e.Offset, e.Byte, e.Reason)
}

// Encode frames the payload as a netstring. Payload bytes pass through
// unchanged; there is no escaping.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, separator)
	out = append(out, payload...)
	out = append(out, terminator)
	return out
}

// Decode extracts the first complete frame from buf. On success it returns
// the payload (a sub-slice of buf) and the remainder following the frame's
// terminator. If buf ends before a complete frame, the error is
// ErrIncomplete. If buf violates the framing grammar, the error is a
// *MalformedError carrying the offending byte and its offset.
func Decode(buf []byte) (payload, rest []byte, err error) {
	var length, digits int
	i := 0

	// Length phase: one or more decimal digits followed by the separator.
	for {
		if i >= len(buf) {
			return nil, nil, ErrIncomplete
		}
		b := buf[i]
		if b >= '0' && b <= '9' {
			if length > (maxLength-9)/10 {
				return nil, nil, &MalformedError{Offset: i, Byte: b, Reason: "length prefix too large"}
			}
			length = length*10 + int(b-'0')
			digits++
			i++
			continue
		}
		if b == separator {
			if digits == 0 {
				return nil, nil, &MalformedError{Offset: i, Byte: b, Reason: "length prefix has no digits"}
			}
			i++
			break
		}
		return nil, nil, &MalformedError{Offset: i, Byte: b, Reason: "expected digit or ':' in length prefix"}
	}

	// Body phase: exactly length bytes, then the terminator.
	if len(buf) < i+length+1 {
		return nil, nil, ErrIncomplete
	}
	if buf[i+length] != terminator {
		return nil, nil, &MalformedError{Offset: i + length, Byte: buf[i+length], Reason: "expected ',' after payload"}
	}
	return buf[i : i+length], buf[i+length+1:], nil
}
