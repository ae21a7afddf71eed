// Package transport defines the byte-stream boundary of the runtime: a
// Transport carries framed bytes between the client and the backend process
// but knows nothing about framing or envelopes. The package provides a TCP
// dialer for the common socket deployment and an in-memory pipe for tests and
// examples.
package transport

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Transport is a full-duplex byte stream. The runtime issues writes from any
// goroutine but reads from exactly one; implementations must support one
// concurrent reader plus concurrent writers, which net.Conn guarantees.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// DialOptions configures Dial.
type DialOptions struct {
	// Timeout bounds connection establishment. Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to a backend listening on a TCP address.
func Dial(addr string, optFns ...func(o *DialOptions)) (Transport, error) {
	opts := DialOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	conn, err := net.DialTimeout("tcp", addr, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Pipe returns a connected in-memory transport pair. Writes on one end are
// synchronous reads on the other, which makes it deterministic for tests:
// there is no hidden buffering between client and fake backend.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return a, b
}
