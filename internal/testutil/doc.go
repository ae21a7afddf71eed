// Package testutil provides shared helpers for constructing wire payloads
// and capturing transport traffic in tests. Helpers favor a builder style so
// tests read as protocol transcripts rather than JSON string soup.
package testutil
