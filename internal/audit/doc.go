// Package audit implements async event dispatching for authentication calls.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: one authentication outcome with account, identifier, protocol and IP.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit, and it does not persist coalesced rows; internal/auditlog does that.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import mailauth or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
