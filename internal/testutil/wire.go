package testutil

import (
	"sync"

	"github.com/tidwall/sjson"

	"github.com/hupe1980/statewire/connection"
	"github.com/hupe1980/statewire/netstring"
)

// ResultReply builds a result envelope. answer and state are raw JSON; an
// empty state omits the member entirely.
func ResultReply(id uint64, answer, state string) []byte {
	env := []byte(`{}`)
	env, _ = sjson.SetBytes(env, "id", id)
	env, _ = sjson.SetRawBytes(env, "result.answer", []byte(answer))
	if state != "" {
		env, _ = sjson.SetRawBytes(env, "result.state", []byte(state))
	}
	return env
}

// ErrorReply builds an error envelope. data is raw JSON; empty data omits the
// member.
func ErrorReply(id uint64, code int64, message, data string) []byte {
	env := []byte(`{}`)
	env, _ = sjson.SetBytes(env, "id", id)
	env, _ = sjson.SetBytes(env, "error.code", code)
	env, _ = sjson.SetBytes(env, "error.message", message)
	if data != "" {
		env, _ = sjson.SetRawBytes(env, "error.data", []byte(data))
	}
	return env
}

// CaptureWriter collects frames written to a transport and exposes the
// decoded payloads. Safe for concurrent writers.
type CaptureWriter struct {
	mu       sync.Mutex
	buf      []byte
	payloads [][]byte
	failWith error
}

// NewCaptureWriter constructs an empty CaptureWriter.
func NewCaptureWriter() *CaptureWriter {
	return &CaptureWriter{}
}

// FailWith makes every subsequent Write return err.
func (w *CaptureWriter) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failWith = err
}

// Write implements io.Writer, decoding completed frames as they accumulate.
func (w *CaptureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return 0, w.failWith
	}
	w.buf = append(w.buf, p...)
	for {
		payload, rest, err := netstring.Decode(w.buf)
		if err != nil {
			break
		}
		w.payloads = append(w.payloads, append([]byte{}, payload...))
		w.buf = rest
	}
	return len(p), nil
}

// Payloads returns the decoded frame payloads written so far.
func (w *CaptureWriter) Payloads() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.payloads))
	copy(out, w.payloads)
	return out
}

// Last returns the most recently written payload, or nil.
func (w *CaptureWriter) Last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.payloads) == 0 {
		return nil
	}
	return w.payloads[len(w.payloads)-1]
}

// RecordingSink is a connection.DiagnosticSink capturing everything reported
// to it.
type RecordingSink struct {
	mu         sync.Mutex
	Unrouted   []uint64
	Unexpected []*connection.RPCError
	Violations []string
}

// UnroutedReply records the reply id.
func (s *RecordingSink) UnroutedReply(id uint64, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Unrouted = append(s.Unrouted, id)
}

// UnexpectedError records the error.
func (s *RecordingSink) UnexpectedError(_ uint64, err *connection.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Unexpected = append(s.Unexpected, err)
}

// ProtocolViolation records the reason.
func (s *RecordingSink) ProtocolViolation(_ []byte, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Violations = append(s.Violations, reason)
}

// Snapshot returns copies of the recorded slices for race-free assertions.
func (s *RecordingSink) Snapshot() (unrouted []uint64, unexpected []*connection.RPCError, violations []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64{}, s.Unrouted...),
		append([]*connection.RPCError{}, s.Unexpected...),
		append([]string{}, s.Violations...)
}

// RecordingObserver is a connection.Observer capturing payload copies.
type RecordingObserver struct {
	mu      sync.Mutex
	SentLog [][]byte
	RecvLog [][]byte
}

// Sent records a copy of the payload.
func (o *RecordingObserver) Sent(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.SentLog = append(o.SentLog, append([]byte{}, payload...))
}

// Received records a copy of the payload.
func (o *RecordingObserver) Received(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.RecvLog = append(o.RecvLog, append([]byte{}, payload...))
}

// Counts returns how many payloads were observed in each direction.
func (o *RecordingObserver) Counts() (sent, received int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.SentLog), len(o.RecvLog)
}
