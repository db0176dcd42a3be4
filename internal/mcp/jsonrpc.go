package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeToolError marks a tools/call result the server flagged with
	// isError. The server answered; the tool itself failed.
	CodeToolError = -32000
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message sent back to the server
// for server-initiated requests. The ID is echoed verbatim because
// servers may use string identifiers.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. A server answering a request
// with an error produces one of these; the host treats it as an
// application error rather than a fault in the session.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// messageKind classifies an inbound frame.
type messageKind int

const (
	kindResponse messageKind = iota + 1
	kindNotification
	kindServerRequest
)

// message is the union of every inbound JSON-RPC shape. Which fields
// are present decides the kind.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// decodeMessage parses one frame and classifies it. Frames that are not
// a JSON object, or that carry neither a method nor an id, are
// protocol errors.
func decodeMessage(frame []byte) (*message, messageKind, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return nil, 0, &ProtocolError{Msg: "frame is not a JSON object"}
	}
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, 0, &ProtocolError{Msg: "malformed frame", Err: err}
	}

	hasID := len(msg.ID) > 0 && !bytes.Equal(msg.ID, []byte("null"))
	switch {
	case msg.Method != "" && hasID:
		return &msg, kindServerRequest, nil
	case msg.Method != "":
		return &msg, kindNotification, nil
	case hasID:
		if msg.Error == nil && len(msg.Result) == 0 {
			return nil, 0, &ProtocolError{Msg: "response has neither result nor error"}
		}
		return &msg, kindResponse, nil
	default:
		return nil, 0, &ProtocolError{Msg: "frame has neither method nor id"}
	}
}

// responseID extracts the numeric request id of a response. Servers must
// echo our integer ids, but some echo them as strings.
func responseID(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, &ProtocolError{Msg: fmt.Sprintf("unusable response id %s", raw)}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &ProtocolError{Msg: fmt.Sprintf("unusable response id %q", s)}
	}
	return n, nil
}
