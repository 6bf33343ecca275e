// Package ipc is the Unix-domain-socket half of the Command Surface
// Transport (C10): the same request/response schema as the HTTP router,
// carried over length-prefixed JSON frames instead of HTTP. The socket
// path defaults to "<config_dir>/pmc.sock" per spec.md §6.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFramePayload bounds a single frame so a corrupt or malicious length
// prefix cannot make the server allocate unbounded memory, mirroring the
// pack's own multiplexed-frame protocol.
const MaxFramePayload = 8 << 20

// WriteMessage writes v to w as a length-prefixed JSON frame:
// [length:4 BE][json payload].
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal: %w", err)
	}
	if len(body) > MaxFramePayload {
		return fmt.Errorf("ipc: message too large: %d bytes", len(body))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON frame from r into v.
func ReadMessage(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header)
	if length > MaxFramePayload {
		return fmt.Errorf("ipc: frame too large: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: read payload: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: unmarshal: %w", err)
	}
	return nil
}

// Request is one JSON-RPC-ish call across the socket. Op selects the
// Command Surface (C9) operation; the remaining fields are only populated
// as each Op requires them.
type Request struct {
	ID    string          `json:"id"`
	Token string          `json:"token,omitempty"`
	Op    string          `json:"op"`
	Name  string          `json:"name,omitempty"`
	Base  string          `json:"base,omitempty"`
	Wait  string          `json:"wait,omitempty"`
	Lines int             `json:"lines,omitempty"`
	Path  string          `json:"path,omitempty"`
	Spec  json.RawMessage `json:"spec,omitempty"`
	Body  []byte          `json:"body,omitempty"`
}

// Response carries either Result or Error, never both, keyed back to the
// Request's ID so a client pipelining several calls over one connection
// can match replies to requests.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload mirrors the HTTP transport's {"kind":...,"message":...}
// envelope so both transports report Command Surface errors identically.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
