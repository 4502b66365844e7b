package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client dials the daemon's length-framed JSON-RPC socket and issues
// requests, grounded on steveyegge-beads's internal/rpc/client.go
// (a socket-dialing RPC client living in the same package as its
// server, sharing the wire codec).
type Client struct {
	conn net.Conn
	seq  int
}

// Dial connects to the daemon's Unix-domain socket at socketPath.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call issues method with params (a struct or map that will be
// marshalled as the JSON-RPC "params" object) and decodes the result
// into result (a pointer, or nil to discard it). A non-nil *Error is
// returned verbatim on an RPC-level failure.
func (c *Client) Call(method string, params any, result any) error {
	c.seq++
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc: marshal params: %w", err)
	}
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprintf("%d", c.seq)), Method: method, Params: paramsRaw}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}
	if err := writeFrame(c.conn, body); err != nil {
		return fmt.Errorf("rpc: write request: %w", err)
	}

	respBody, err := readFrame(c.conn)
	if err != nil {
		return fmt.Errorf("rpc: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("rpc: unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return &Error{Kind: Kind(kindFromData(resp.Error.Data)), Message: resp.Error.Message, Data: resp.Error.Data}
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("rpc: re-marshal result: %w", err)
	}
	return json.Unmarshal(raw, result)
}

// kindFromData recovers the §7 error kind the server attached to the
// error's data payload (see withKind in protocol.go), so a CLI caller
// can branch on err.(*Error).Kind without re-parsing raw JSON.
func kindFromData(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return string(KindInternal)
	}
	kind, _ := m["kind"].(string)
	return kind
}
