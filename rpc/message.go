package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent on every outgoing request.
const ProtocolVersion = "2.0"

// ID is an opaque correlation token. It is always sent as a JSON string,
// but numeric ids echoed back by a child are accepted too.
type ID string

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number, got %s", string(b))
	}
	*id = ID(n.String())
	return nil
}

// Request is a call written to the child.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// ErrorObject is the error payload of a response.
type ErrorObject struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is one decoded unit from a stream. Responses carry an ID and either
// Result or Error. Requests and notifications carry a Method.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// IsResponse reports whether the message looks like a reply to a call.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != "" && (m.Result != nil || m.Error != nil)
}

// Response builds a reply to m with the given result.
func (m *Message) Response(result any) (*Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{JSONRPC: ProtocolVersion, ID: m.ID, Result: b}, nil
}

// ErrorResponse builds an error reply to m.
func (m *Message) ErrorResponse(code int, msg string) *Message {
	return &Message{JSONRPC: ProtocolVersion, ID: m.ID, Error: &ErrorObject{Code: code, Message: msg}}
}
