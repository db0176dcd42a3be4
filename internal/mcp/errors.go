package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Callers inspect them with errors.Is; most are
// returned wrapped with the server or tool name.
var (
	// ErrServerUnavailable means the owning session is not Ready, or
	// its client was torn down while the call was outstanding.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrUnknownTool means no catalog entry matches the requested name.
	// No server was contacted.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrTimeout means no response arrived within the call timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled means the caller abandoned the call before a
	// response arrived.
	ErrCancelled = errors.New("request cancelled")

	// ErrFrameTooLarge means a line on the server's stdout exceeded the
	// configured maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum line length")

	// ErrVersionMismatch means the server negotiated a protocol version
	// outside the supported set.
	ErrVersionMismatch = errors.New("unsupported protocol version")
)

// TransportError reports a failure of the byte channel itself: the
// process could not be spawned, a write failed, the stream ended, or
// framing broke. It is fatal to the session that owns the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a message that violates JSON-RPC or MCP rules.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.Err)
	}
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// unavailable wraps the cause of a teardown so that errors.Is matches
// ErrServerUnavailable while the message still says what happened.
func unavailable(cause error) error {
	if cause == nil {
		return ErrServerUnavailable
	}
	return fmt.Errorf("%w: %v", ErrServerUnavailable, cause)
}

// Kind is the consumer-facing classification of a failed invocation.
type Kind string

// Invocation error kinds reported by the Bridge.
const (
	KindApplicationError  Kind = "application_error"
	KindUnknownTool       Kind = "unknown_tool"
	KindServerUnavailable Kind = "server_unavailable"
	KindTimeout           Kind = "timeout"
	KindTransportError    Kind = "transport_error"
	KindProtocolError     Kind = "protocol_error"
	KindCancelled         Kind = "cancelled"
)

// ErrorKind maps an error returned by this package onto the consumer
// taxonomy. The order matters: an unavailable error may wrap the
// transport failure that caused it, and the consumer only needs to
// know that the server is gone.
func ErrorKind(err error) Kind {
	var (
		rpcErr   *RPCError
		protoErr *ProtocolError
		trErr    *TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownTool):
		return KindUnknownTool
	case errors.Is(err, ErrServerUnavailable):
		return KindServerUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &rpcErr):
		return KindApplicationError
	case errors.As(err, &trErr):
		return KindTransportError
	case errors.As(err, &protoErr):
		return KindProtocolError
	default:
		return KindProtocolError
	}
}
