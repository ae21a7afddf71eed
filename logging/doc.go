// Package logging provides a minimal logging interface and adapters for
// statewire.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the client runtime uses for observability. This package
// includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - WireLogger with protocol-oriented contextual helpers
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "text", false)
//	client := statewire.New(conn, func(o *statewire.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
