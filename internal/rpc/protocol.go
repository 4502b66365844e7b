// Package rpc implements the daemon's external interface (§6): a
// length-framed JSON-RPC 2.0 server over a Unix-domain stream socket.
// Every request carries a `token` parameter except the three
// bootstrap methods (§4.6).
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single request/response body, guarding
// against a malformed or hostile peer sending an unbounded length
// prefix.
const maxFrameSize = 16 * 1024 * 1024

// Request is one length-framed JSON-RPC 2.0 call (§6).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one length-framed JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the §6/§7 error envelope: a numeric code, a message,
// and optional structured data (e.g. ambiguous-prefix candidates,
// adapter-error detail).
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Kind is one of the §7 error kinds (not a Go type name — a wire
// classification a caller can branch on).
type Kind string

const (
	KindValidation Kind = "validation-error"
	KindAuth       Kind = "auth-error"
	KindPermission Kind = "permission-denied"
	KindNotFound   Kind = "not-found"
	KindAmbiguous  Kind = "ambiguous-prefix"
	KindConflict   Kind = "conflict"
	KindInvariant  Kind = "invariant-violation"
	KindAdapter    Kind = "adapter-error"
	KindProvider   Kind = "provider-error"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal"
)

// kindCodes maps each §7 error kind to a JSON-RPC error code in the
// server-defined reserved range (-32000..-32099), except "internal"
// which reuses the standard JSON-RPC "Internal error" code.
var kindCodes = map[Kind]int{
	KindValidation: -32001,
	KindAuth:       -32002,
	KindPermission: -32003,
	KindNotFound:   -32004,
	KindAmbiguous:  -32005,
	KindConflict:   -32006,
	KindInvariant:  -32007,
	KindAdapter:    -32008,
	KindProvider:   -32009,
	KindCancelled:  -32010,
	KindInternal:   -32603,
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Error is the Go-side representation of a §7 RPC error: a kind, a
// human-readable message, and optional structured data.
type Error struct {
	Kind    Kind
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured data to an *Error, returning it for
// chaining at the call site.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// toErrorObject renders a Go error into the wire error envelope. A
// *Error carries its own kind; any other error is reported as
// "internal", keeping the original message verbatim since this is a
// local, single-operator daemon with no untrusted-caller concern.
func toErrorObject(err error) *ErrorObject {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return &ErrorObject{
			Code:    kindCodes[rpcErr.Kind],
			Message: rpcErr.Message,
			Data:    withKind(rpcErr.Kind, rpcErr.Data),
		}
	}
	return &ErrorObject{
		Code:    kindCodes[KindInternal],
		Message: err.Error(),
		Data:    withKind(KindInternal, nil),
	}
}

func withKind(kind Kind, data any) any {
	m, _ := data.(map[string]any)
	if m == nil {
		m = map[string]any{}
		if data != nil {
			m["detail"] = data
		}
	}
	m["kind"] = string(kind)
	return m
}

// readFrame reads one 4-byte-big-endian-length-prefixed JSON body
// from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpc: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("rpc: read frame body: %w", err)
	}
	return body, nil
}

// writeFrame writes body length-prefixed to w.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("rpc: response of %d bytes exceeds max %d", len(body), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
