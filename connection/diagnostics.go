package connection

import (
	"github.com/hupe1980/statewire/logging"
)

// DiagnosticSink receives conditions that have no registered continuation to
// route to. Implementations must not block: they are invoked on the thread
// draining the transport.
type DiagnosticSink interface {
	// UnroutedReply reports a reply whose id matches no pending request.
	UnroutedReply(id uint64, payload []byte)
	// UnexpectedError reports an error reply for a request that registered
	// only a success continuation.
	UnexpectedError(id uint64, err *RPCError)
	// ProtocolViolation reports a decoded message that violates the envelope
	// contract (e.g. neither "error" nor "result").
	ProtocolViolation(payload []byte, reason string)
}

// LogSink is a DiagnosticSink that reports through a logging.Logger. It is
// the default sink.
type LogSink struct {
	logger logging.Logger
}

var _ DiagnosticSink = (*LogSink)(nil)

// NewLogSink creates a LogSink; a nil logger is substituted with NoOpLogger.
func NewLogSink(logger logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LogSink{logger: logger}
}

// UnroutedReply logs the reply at warn level.
func (s *LogSink) UnroutedReply(id uint64, payload []byte) {
	s.logger.Warn("Unrouted reply", "request_id", id, "payload", string(payload))
}

// UnexpectedError logs the error at error level.
func (s *LogSink) UnexpectedError(id uint64, err *RPCError) {
	s.logger.Error("Unexpected error reply", "request_id", id, "code", err.Code, "message", err.Message)
}

// ProtocolViolation logs the violation at error level.
func (s *LogSink) ProtocolViolation(payload []byte, reason string) {
	s.logger.Error("Protocol violation", "reason", reason, "payload", string(payload))
}

// Observer is a read-only consumer of every payload crossing the connection,
// for display or history purposes only. It carries no protocol semantics and
// must not mutate the payload slices it receives.
type Observer interface {
	Sent(payload []byte)
	Received(payload []byte)
}

// noopObserver is the default Observer.
type noopObserver struct{}

func (noopObserver) Sent([]byte)     {}
func (noopObserver) Received([]byte) {}
