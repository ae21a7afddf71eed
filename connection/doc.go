// Package connection implements the request/response correlation layer of the
// protocol runtime. A Connection allocates monotonically increasing request
// identifiers, registers per-request continuations, frames outbound JSON-RPC
// envelopes through the netstring codec, and dispatches decoded replies to
// the continuation registered under the reply's identifier.
//
// The connection owns the session state token: an opaque, server-authoritative
// value merged into every outbound call's params under the reserved "state"
// member and replaced by the "state" member of every result that carries one.
// Threading the token through each exchange keeps the backend logically
// stateless between calls while the client reconstructs one linear session.
// Concurrent in-flight calls race on which token each captured; callers that
// need strict ordering must serialize their calls, or use SendStateful to
// pass the token explicitly.
//
// Replies that cannot be routed, whether an unknown identifier or a payload with
// neither "error" nor "result", are reported to the configured
// DiagnosticSink, never silently dropped. A request that never receives a
// reply leaks its continuations for the life of the connection; long-lived
// deployments should impose deadlines at the caller (see Client.Call).
package connection
