package mcp

import "context"

// Transport is a bidirectional channel of JSON-RPC frames to one server.
// It knows nothing about ids or methods: correlation belongs to the
// [Client], which owns exactly one transport for its lifetime.
type Transport interface {
	// Send writes one complete frame. Concurrent calls are serialized
	// so frames never interleave on the wire.
	Send(ctx context.Context, frame []byte) error

	// Frames yields every inbound frame in arrival order. The channel is
	// closed when the underlying stream ends, after which Err reports
	// why.
	Frames() <-chan []byte

	// Err returns the terminal cause once Frames is closed, or nil while
	// the transport is live. A clean Close also yields nil.
	Err() error

	// Close shuts the transport down and releases its resources. For
	// stdio transports this terminates the subprocess. Idempotent.
	Close() error
}
