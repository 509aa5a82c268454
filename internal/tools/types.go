package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

const (
	MethodList = "tools/list"
	MethodCall = "tools/call"
)

// Descriptor is one entry of a tools/list result.
type Descriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

type ListResult struct {
	Tools []Descriptor `json:"tools"`
}

// CallParams are the params of a tools/call request.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the result of a tools/call request. Tool failures are reported
// in-band with IsError rather than as protocol errors.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text returns the concatenated text content.
func (r *Result) Text() string {
	var s string
	for _, c := range r.Content {
		if c.Type == "text" {
			s += c.Text
		}
	}
	return s
}

func textResult(s string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: s}}}
}

func errorResult(err error) *Result {
	return &Result{Content: []Content{{Type: "text", Text: "Error: " + err.Error()}}, IsError: true}
}
