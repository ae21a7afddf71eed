// Package statewire provides a high-level façade over the protocol runtime
// used to drive a long-lived, stateful backend tool: netstring framing,
// JSON-RPC correlation with session-state threading, and a validated cache of
// replayed command sequences. Most applications interact with this package by:
//  1. Creating a Client via New() over a transport (TCP dial or in-memory pipe)
//  2. Issuing synchronous calls (Call) or registering continuations directly
//     on the underlying Connection
//  3. Optionally replaying command sequences through SessionTree so repeated
//     or restarted sessions skip already-seen transitions
//
// The façade owns the single goroutine that drains the transport and feeds
// the framing decoder; decoded messages fan out to the continuations
// registered per request. All defaults are safe for local development and
// testing; production deployments typically supply a structured logger and a
// diagnostic sink.
package statewire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/statewire/cache"
	"github.com/hupe1980/statewire/connection"
	"github.com/hupe1980/statewire/logging"
	"github.com/hupe1980/statewire/netstring"
	"github.com/hupe1980/statewire/transport"
)

// ErrClosed is returned by Call and Notify after the client has been closed
// or its read loop has terminated.
var ErrClosed = errors.New("statewire: client closed")

// Command names one replayable step of a session: a method plus its params
// serialized as a JSON object ("" is treated as {}). Commands key the cache
// tree, so equal commands must compare equal.
type Command struct {
	Method string
	Params string
}

// Options configures the Client.
type Options struct {
	// Logger receives operational messages (defaults to NoOpLogger).
	Logger logging.Logger

	// Sink receives unroutable replies and protocol violations. Defaults to
	// a logging sink; never silently dropped.
	Sink connection.DiagnosticSink

	// Observer sees every sent and received payload, for history/display
	// consumers. Read-only, no protocol semantics.
	Observer connection.Observer

	// ReadBufferSize sets the chunk size of transport reads. Frames larger
	// than this still decode; they just take several reads to accumulate.
	ReadBufferSize int
}

// Client is the high-level façade aggregating transport, framing and
// correlation. It is safe for concurrent use; calls that require strict
// session-state ordering must still be serialized by the caller.
type Client struct {
	id     string
	opts   Options
	tr     transport.Transport
	conn   *connection.Connection
	logger logging.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	readErr error
}

// New creates a Client over the given transport and starts its read loop.
func New(tr transport.Transport, optFns ...func(o *Options)) *Client {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		ReadBufferSize: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}

	c := &Client{
		id:     uuid.NewString(),
		opts:   opts,
		tr:     tr,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	c.conn = connection.New(tr, func(o *connection.Options) {
		o.Logger = opts.Logger
		o.Sink = opts.Sink
		o.Observer = opts.Observer
	})

	go c.readLoop()
	return c
}

// ID returns the client's unique identifier, used in diagnostics.
func (c *Client) ID() string { return c.id }

// Connection exposes the underlying correlation layer for callers that
// register continuations directly.
func (c *Client) Connection() *connection.Connection { return c.conn }

// State returns the current session state token, or nil before any reply has
// carried one.
func (c *Client) State() json.RawMessage { return c.conn.State() }

// readLoop is the single reader draining the transport: it buffers raw
// bytes, decodes complete frames, and dispatches each payload to the
// correlation layer. A malformed frame is fatal to the connection; no
// resynchronization is attempted.
func (c *Client) readLoop() {
	var buf []byte
	chunk := make([]byte, c.opts.ReadBufferSize)

	for {
		n, err := c.tr.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				payload, rest, derr := netstring.Decode(buf)
				if errors.Is(derr, netstring.ErrIncomplete) {
					break
				}
				if derr != nil {
					c.fail(fmt.Errorf("statewire: read loop: %w", derr))
					return
				}
				// Continuations may retain the payload past this iteration;
				// hand them a copy so buffer reuse cannot corrupt it.
				c.conn.HandleMessage(append([]byte{}, payload...))
				buf = rest
			}
		}
		if err != nil {
			select {
			case <-c.done:
				// Closed locally; the read error is expected.
			default:
				c.fail(fmt.Errorf("statewire: read loop: %w", err))
			}
			return
		}
	}
}

// fail records the first fatal error and wakes all blocked callers.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()

	c.logger.Error("Connection failed", "client_id", c.id, "error", err)
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.tr.Close()
	})
}

// Err returns the fatal error that terminated the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close shuts the client down: the transport is closed, the read loop exits,
// and blocked Call invocations return ErrClosed. Requests already in flight
// receive no reply. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.tr.Close()
		c.logger.Debug("Client closed", "client_id", c.id)
	})
	return nil
}

type callOutcome struct {
	answer json.RawMessage
	state  json.RawMessage
	err    error
}

// Call issues a request carrying the ambient session state token and blocks
// until its reply arrives, ctx is done, or the client closes. It is the
// synchronous convenience over Connection.Send.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	ch := make(chan callOutcome, 1)
	_, err := c.conn.Send(method, params,
		func(answer json.RawMessage) { ch <- callOutcome{answer: answer} },
		func(rpcErr *connection.RPCError) { ch <- callOutcome{err: rpcErr} },
	)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, ch)
}

// CallStateful issues a request carrying an explicit state token and returns
// both the answer and the token in effect after the reply. It is the
// explicit-token variant used to replay cached command sequences.
func (c *Client) CallStateful(ctx context.Context, method string, params, state json.RawMessage) (answer, newState json.RawMessage, err error) {
	ch := make(chan callOutcome, 1)
	_, err = c.conn.SendStateful(method, params, state,
		func(answer, state json.RawMessage) { ch <- callOutcome{answer: answer, state: state} },
		func(rpcErr *connection.RPCError) { ch <- callOutcome{err: rpcErr} },
	)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.awaitOutcome(ctx, ch)
	if err != nil {
		return nil, nil, err
	}
	return out.answer, out.state, nil
}

// Notify sends a fire-and-forget request with no reply expected.
func (c *Client) Notify(method string, params json.RawMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.Notify(method, params)
}

func (c *Client) await(ctx context.Context, ch <-chan callOutcome) (json.RawMessage, error) {
	out, err := c.awaitOutcome(ctx, ch)
	if err != nil {
		return nil, err
	}
	return out.answer, nil
}

func (c *Client) awaitOutcome(ctx context.Context, ch <-chan callOutcome) (callOutcome, error) {
	select {
	case out := <-ch:
		if out.err != nil {
			return callOutcome{}, out.err
		}
		return out, nil
	case <-ctx.Done():
		// The continuation stays registered; a late reply is dropped into
		// the buffered channel and garbage collected with it.
		return callOutcome{}, ctx.Err()
	case <-c.done:
		return callOutcome{}, ErrClosed
	}
}

// emptyToken mirrors the empty-equivalent token sent before any server state
// has been observed; it is the root state of every session tree.
var emptyToken = json.RawMessage("[]")

// SessionTree returns a cache tree whose step function executes commands
// through this client with explicit state tokens, and whose validate
// predicate decides whether a cached token is still authoritative. The root
// represents the pristine session before any command.
func (c *Client) SessionTree(validate cache.ValidateFunc[json.RawMessage]) *cache.Tree[Command, json.RawMessage] {
	step := func(ctx context.Context, cmd Command, state json.RawMessage) (json.RawMessage, error) {
		_, next, err := c.CallStateful(ctx, cmd.Method, json.RawMessage(cmd.Params), state)
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return cache.NewTree[Command](emptyToken, step, validate)
}
