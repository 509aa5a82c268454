package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxLineSize bounds how many bytes the Decoder buffers while waiting for a newline.
const DefaultMaxLineSize = 4 << 20

var errLineTooLong = errors.New("line exceeds max size")

// Encode serializes a call into a single newline-terminated line.
// A nil params is sent as an empty object.
func Encode(method string, id ID, params any) ([]byte, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(Request{
		JSONRPC: ProtocolVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return append(b, '\n'), nil
}

// EncodeMessage serializes any message (typically a response) as one line.
func EncodeMessage(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, fmt.Errorf("compacting message: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeParams(params any) (json.RawMessage, error) {
	var b []byte
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		b = p
	case []byte:
		b = p
	default:
		var err error
		b, err = json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
	}
	// raw params may be pretty-printed; a newline would split the frame
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, fmt.Errorf("compacting params: %w", err)
	}
	return buf.Bytes(), nil
}

// Decoder splits a byte stream into newline-delimited messages.
// Units that are not JSON objects are dropped.
// A Decoder is not safe for concurrent use; it is meant to have exactly one reader.
type Decoder struct {
	// MaxLineSize caps the buffered partial line. Zero means DefaultMaxLineSize.
	MaxLineSize int
	// OnMalformed, if set, is called for every dropped unit.
	OnMalformed func(line []byte, err error)

	buf        []byte
	discarding bool
}

// Feed consumes p and returns every complete message it finished.
// Any trailing partial line is kept for the next call.
func (d *Decoder) Feed(p []byte) []Message {
	var msgs []Message
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.buffer(p)
			break
		}
		if d.discarding {
			d.discarding = false
		} else {
			var line []byte
			if len(d.buf) > 0 {
				line = append(d.buf, p[:i]...)
			} else {
				line = p[:i]
			}
			if m, ok := d.parse(line); ok {
				msgs = append(msgs, m)
			}
		}
		d.buf = d.buf[:0]
		p = p[i+1:]
	}
	return msgs
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) buffer(p []byte) {
	if d.discarding {
		return
	}
	max := d.MaxLineSize
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	if len(d.buf)+len(p) > max {
		d.malformed(d.buf, errLineTooLong)
		d.buf = d.buf[:0]
		d.discarding = true
		return
	}
	d.buf = append(d.buf, p...)
}

func (d *Decoder) parse(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, false
	}
	if line[0] != '{' {
		d.malformed(line, errors.New("not a JSON object"))
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		d.malformed(line, err)
		return Message{}, false
	}
	return m, true
}

func (d *Decoder) malformed(line []byte, err error) {
	if d.OnMalformed != nil {
		d.OnMalformed(line, err)
	}
}
