package rpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		name      string
		params    any
		expParams string
	}{
		{name: "nil params", params: nil, expParams: `{}`},
		{name: "map params", params: map[string]any{"value": 42}, expParams: `{"value":42}`},
		{name: "pretty raw params", params: json.RawMessage("{\n  \"a\": \"b\"\n}"), expParams: `{"a":"b"}`},
		{name: "newline inside string", params: map[string]string{"s": "x\ny"}, expParams: `{"s":"x\ny"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode("echo", "abc", c.params)
			require.NoError(t, err)

			s := string(b)
			require.True(t, strings.HasSuffix(s, "\n"))
			assert.Equal(t, 1, strings.Count(s, "\n"))

			var req Request
			require.NoError(t, json.Unmarshal(b, &req))
			assert.Equal(t, ProtocolVersion, req.JSONRPC)
			assert.Equal(t, ID("abc"), req.ID)
			assert.Equal(t, "echo", req.Method)
			assert.JSONEq(t, c.expParams, string(req.Params))
		})
	}
}

func TestEncodeInvalidRawParams(t *testing.T) {
	_, err := Encode("echo", "abc", json.RawMessage("{not json"))
	require.Error(t, err)
}

func TestIDUnmarshal(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":17,"result":true}`), &m))
	assert.Equal(t, ID("17"), m.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"x-1","result":true}`), &m))
	assert.Equal(t, ID("x-1"), m.ID)

	require.Error(t, json.Unmarshal([]byte(`{"id":{},"result":true}`), &m))
}

const stream = `{"jsonrpc":"2.0","id":"1","result":{"value":42}}
starting up...
{"id":"2","error":{"message":"bad"}}

[1,2,3]
{"id":"3","result":null}
{"id":"4","resu`

func TestDecoderBoundaryInsensitive(t *testing.T) {
	var whole Decoder
	all := whole.Feed([]byte(stream))

	var bytewise Decoder
	var one []Message
	for i := 0; i < len(stream); i++ {
		one = append(one, bytewise.Feed([]byte{stream[i]})...)
	}

	require.Len(t, all, 3)
	assert.Equal(t, all, one)
	assert.Equal(t, whole.Buffered(), bytewise.Buffered())

	assert.Equal(t, ID("1"), all[0].ID)
	assert.JSONEq(t, `{"value":42}`, string(all[0].Result))
	assert.Equal(t, "bad", all[1].Error.Message)
	assert.Equal(t, ID("3"), all[2].ID)
	assert.True(t, all[2].IsResponse())

	// the partial line completes on the next feed
	rest := whole.Feed([]byte("lt\":1}\n"))
	require.Len(t, rest, 1)
	assert.Equal(t, ID("4"), rest[0].ID)
	assert.Equal(t, 0, whole.Buffered())
}

func TestDecoderMalformedDoesNotCorrupt(t *testing.T) {
	var dropped []string
	d := Decoder{OnMalformed: func(line []byte, err error) { dropped = append(dropped, string(line)) }}

	msgs := d.Feed([]byte("{\"id\":\"1\",\n{\"id\":\"2\",\"result\":1}\nnot json\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, ID("2"), msgs[0].ID)
	assert.Equal(t, []string{`{"id":"1",`, "not json"}, dropped)
}

func TestDecoderMaxLineSize(t *testing.T) {
	var tooLong int
	d := Decoder{
		MaxLineSize: 8,
		OnMalformed: func(line []byte, err error) { tooLong++ },
	}

	assert.Empty(t, d.Feed([]byte(`{"id":"1",`)))
	assert.Empty(t, d.Feed([]byte(`"result":"xxxxxxxxxxxxxxxxxxx"`)))
	assert.Equal(t, 0, d.Buffered())

	// the rest of the oversized line is skipped, the next one decodes
	msgs := d.Feed([]byte("}\n{\"id\":\"2\",\"result\":1}\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, ID("2"), msgs[0].ID)
	assert.Equal(t, 1, tooLong)
}

func TestMessageResponses(t *testing.T) {
	req := Message{ID: "7", Method: "tools/list"}
	assert.False(t, req.IsResponse())

	resp, err := req.Response(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.True(t, resp.IsResponse())

	b, err := EncodeMessage(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"7","result":{"n":1}}`, string(b))

	errResp := req.ErrorResponse(-32601, "method not found")
	b, err = EncodeMessage(errResp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"7","error":{"code":-32601,"message":"method not found"}}`, string(b))
}
