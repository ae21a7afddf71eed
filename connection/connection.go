package connection

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/statewire/logging"
	"github.com/hupe1980/statewire/netstring"
)

// stateMember is the reserved params member carrying the session state token.
const stateMember = "state"

// emptyToken is sent before any token has been observed from the server.
var emptyToken = json.RawMessage("[]")

// ResultHandler consumes the decoded "answer" member of a result reply. The
// answer may be nil if the result carried no answer member.
type ResultHandler func(answer json.RawMessage)

// StatefulResultHandler additionally receives the session state token in
// effect after the reply was processed, for callers that track tokens
// explicitly (see SendStateful and the cache package).
type StatefulResultHandler func(answer, state json.RawMessage)

// ErrorHandler consumes a well-formed application error reply.
type ErrorHandler func(err *RPCError)

// pendingRequest holds the continuations registered for one in-flight id.
// It is resolved and removed exactly once, via the success or failure path.
type pendingRequest struct {
	method   string
	onResult StatefulResultHandler
	onError  ErrorHandler
}

// Options configures a Connection.
type Options struct {
	// Logger receives operational messages (defaults to NoOpLogger).
	Logger logging.Logger
	// Sink receives unroutable replies and protocol violations (defaults to
	// a LogSink over Logger).
	Sink DiagnosticSink
	// Observer sees every sent and received payload (defaults to a no-op).
	Observer Observer
}

// Connection correlates outbound requests with inbound replies and threads
// the session state token through every exchange. Send never blocks beyond
// the transport write; replies are dispatched by HandleMessage on whatever
// goroutine drains the transport.
type Connection struct {
	w        io.Writer
	logger   logging.Logger
	sink     DiagnosticSink
	observer Observer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]pendingRequest
	state   json.RawMessage
}

// New creates a Connection writing framed envelopes to w.
func New(w io.Writer, optFns ...func(o *Options)) *Connection {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		Observer: noopObserver{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Sink == nil {
		opts.Sink = NewLogSink(opts.Logger)
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}

	return &Connection{
		w:        w,
		logger:   opts.Logger,
		sink:     opts.Sink,
		observer: opts.Observer,
		pending:  make(map[uint64]pendingRequest),
	}
}

// State returns the current session state token, or nil before any reply has
// carried one.
func (c *Connection) State() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of requests awaiting a reply. Requests
// whose reply never arrives stay pending for the life of the connection.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send issues a request carrying the connection's current state token. The
// params must be a JSON object (nil is treated as {}); the token is merged
// under the reserved "state" member. The returned id identifies the request
// in diagnostics. onError may be nil, in which case an error reply is
// surfaced to the DiagnosticSink.
func (c *Connection) Send(method string, params json.RawMessage, onResult ResultHandler, onError ErrorHandler) (uint64, error) {
	var stateful StatefulResultHandler
	if onResult != nil {
		stateful = func(answer, _ json.RawMessage) { onResult(answer) }
	}
	return c.send(method, params, c.State(), stateful, onError)
}

// SendStateful issues a request carrying an explicit state token instead of
// the connection's current one, and hands the continuation the token in
// effect after the reply. This is the explicit-token variant used to replay
// cached command sequences from a known state; an empty state sends the
// empty-equivalent token regardless of what the connection has observed.
func (c *Connection) SendStateful(method string, params, state json.RawMessage, onResult StatefulResultHandler, onError ErrorHandler) (uint64, error) {
	return c.send(method, params, state, onResult, onError)
}

func (c *Connection) send(method string, params, token json.RawMessage, onResult StatefulResultHandler, onError ErrorHandler) (uint64, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = pendingRequest{method: method, onResult: onResult, onError: onError}
	c.mu.Unlock()

	env, err := buildEnvelope(method, params, token)
	if err != nil {
		c.deregister(id)
		return 0, err
	}
	if env, err = sjson.SetBytes(env, "id", id); err != nil {
		c.deregister(id)
		return 0, fmt.Errorf("connection: build envelope: %w", err)
	}
	if _, err := c.w.Write(netstring.Encode(env)); err != nil {
		c.deregister(id)
		return 0, fmt.Errorf("connection: write request %d: %w", id, err)
	}

	c.observer.Sent(env)
	c.logger.Debug("Request sent", "request_id", id, "method", method)
	return id, nil
}

// Notify issues a fire-and-forget request: same envelope minus the id, no
// continuation, no reply expected. The state token is still merged in.
func (c *Connection) Notify(method string, params json.RawMessage) error {
	c.mu.Lock()
	token := c.state
	c.mu.Unlock()

	env, err := buildEnvelope(method, params, token)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(netstring.Encode(env)); err != nil {
		return fmt.Errorf("connection: write notification: %w", err)
	}

	c.observer.Sent(env)
	c.logger.Debug("Notification sent", "method", method)
	return nil
}

func (c *Connection) deregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// buildEnvelope assembles {"jsonrpc":"2.0","method":method,"params":
// params+state} without round-tripping the caller's params through a decode.
// Requests get their "id" member added by the caller; notifications go out
// without one.
func buildEnvelope(method string, params, token json.RawMessage) ([]byte, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !gjson.ParseBytes(params).IsObject() {
		return nil, fmt.Errorf("connection: params for %q must be a JSON object", method)
	}
	if len(token) == 0 {
		token = emptyToken
	}

	env := []byte(`{"jsonrpc":"2.0"}`)
	var err error
	if env, err = sjson.SetBytes(env, "method", method); err != nil {
		return nil, fmt.Errorf("connection: build envelope: %w", err)
	}
	if env, err = sjson.SetRawBytes(env, "params", params); err != nil {
		return nil, fmt.Errorf("connection: build envelope: %w", err)
	}
	if env, err = sjson.SetRawBytes(env, "params."+stateMember, token); err != nil {
		return nil, fmt.Errorf("connection: merge state token: %w", err)
	}
	return env, nil
}

// HandleMessage parses one decoded frame payload and routes it. A payload
// must carry exactly one of an "error" or a "result" member; anything else is
// a protocol violation reported to the DiagnosticSink.
func (c *Connection) HandleMessage(payload []byte) {
	c.observer.Received(payload)

	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		c.sink.ProtocolViolation(payload, "payload is not a JSON object")
		return
	}

	errMember := doc.Get("error")
	resMember := doc.Get("result")
	switch {
	case errMember.Exists() && resMember.Exists():
		c.sink.ProtocolViolation(payload, `payload has both "error" and "result"`)
	case errMember.Exists():
		c.handleError(payload, doc, errMember)
	case resMember.Exists():
		c.handleResult(payload, doc, resMember)
	default:
		c.sink.ProtocolViolation(payload, `payload has neither "error" nor "result"`)
	}
}

func (c *Connection) handleError(payload []byte, doc, errMember gjson.Result) {
	id := doc.Get("id").Uint()
	rpcErr := &RPCError{
		Code:    errMember.Get("code").Int(),
		Message: errMember.Get("message").String(),
	}
	if data := errMember.Get("data"); data.Exists() {
		rpcErr.Data = json.RawMessage(data.Raw)
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	switch {
	case !ok:
		c.sink.UnroutedReply(id, payload)
	case p.onError != nil:
		c.logger.Debug("Error reply routed", "request_id", id, "method", p.method, "code", rpcErr.Code)
		p.onError(rpcErr)
	default:
		// A success continuation was registered but no failure continuation.
		c.sink.UnexpectedError(id, rpcErr)
	}
}

func (c *Connection) handleResult(payload []byte, doc, resMember gjson.Result) {
	id := doc.Get("id").Uint()

	// The replacement token, if any, is stored before the continuation runs.
	c.mu.Lock()
	if state := resMember.Get(stateMember); state.Exists() {
		c.state = json.RawMessage(state.Raw)
	}
	token := c.state
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.sink.UnroutedReply(id, payload)
		return
	}

	var answer json.RawMessage
	if a := resMember.Get("answer"); a.Exists() {
		answer = json.RawMessage(a.Raw)
	}
	c.logger.Debug("Result routed", "request_id", id, "method", p.method)
	if p.onResult != nil {
		p.onResult(answer, token)
	}
}
