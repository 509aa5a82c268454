package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guseggert/mcpbridge/rpc"
	"github.com/invopop/jsonschema"
)

// JSON-RPC error codes used for protocol-level failures.
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

// Tool is a named operation exposed through tools/call.
type Tool struct {
	Name        string
	Description string
	// Args is a pointer to a zero value of the argument struct, used to derive the input schema.
	Args any
	Call func(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry serves tools/list and tools/call for a set of tools.
type Registry struct {
	tools map[string]Tool
	now   func() time.Time
}

type RegistryOption func(r *Registry)

// WithClock replaces time.Now for the time tool.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry returns a registry with the built-in weather, calculator and time tools.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: map[string]Tool{}, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	r.Register(weatherTool())
	r.Register(calculatorTool())
	r.Register(timeTool(func() time.Time { return r.now() }))
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

// List describes every registered tool, sorted by name.
func (r *Registry) List() ListResult {
	reflector := &jsonschema.Reflector{Anonymous: true, DoNotReference: true, ExpandedStruct: true}
	var res ListResult
	for _, t := range r.tools {
		d := Descriptor{Name: t.Name, Description: t.Description}
		if t.Args != nil {
			d.InputSchema = reflector.Reflect(t.Args)
			d.InputSchema.Version = ""
		}
		res.Tools = append(res.Tools, d)
	}
	sort.Slice(res.Tools, func(i, j int) bool { return res.Tools[i].Name < res.Tools[j].Name })
	return res
}

// Call runs a tool. Tool failures come back as an error result, not as an error.
func (r *Registry) Call(ctx context.Context, p CallParams) *Result {
	t, ok := r.tools[p.Name]
	if !ok {
		return errorResult(fmt.Errorf("Unknown tool: %s", p.Name))
	}
	args := p.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	text, err := t.Call(ctx, args)
	if err != nil {
		return errorResult(err)
	}
	return textResult(text)
}

// Handle implements Handler for the tools vocabulary.
func (r *Registry) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodList:
		return r.List(), nil
	case MethodCall:
		var p CallParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpc.RemoteError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %s", err)}
		}
		if p.Name == "" {
			return nil, &rpc.RemoteError{Code: CodeInvalidParams, Message: "tool name is required"}
		}
		return r.Call(ctx, p), nil
	default:
		return nil, &rpc.RemoteError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
}

type WeatherArgs struct {
	Location string `json:"location" jsonschema:"description=The city and state\\, e.g. San Francisco\\, CA"`
}

func weatherTool() Tool {
	return Tool{
		Name:        "get_weather",
		Description: "Get the current weather in a given location",
		Args:        &WeatherArgs{},
		Call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args WeatherArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decoding arguments: %w", err)
			}
			if strings.TrimSpace(args.Location) == "" {
				return "", errors.New("Location is required")
			}
			return fmt.Sprintf("The weather in %s is sunny and 72°F.", args.Location), nil
		},
	}
}

type CalculateArgs struct {
	Expression string `json:"expression" jsonschema:"description=Mathematical expression to evaluate\\, e.g. '2 + 2 * 3'"`
}

func calculatorTool() Tool {
	return Tool{
		Name:        "calculate",
		Description: "Perform basic mathematical calculations",
		Args:        &CalculateArgs{},
		Call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args CalculateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decoding arguments: %w", err)
			}
			if strings.TrimSpace(args.Expression) == "" {
				return "", errors.New("Expression is required")
			}
			v, err := Evaluate(args.Expression)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s = %s", args.Expression, FormatNumber(v)), nil
		},
	}
}

type TimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=Timezone (optional\\, defaults to UTC)"`
}

const timeLayout = "January 2, 2006 at 03:04:05 PM"

func timeTool(now func() time.Time) Tool {
	return Tool{
		Name:        "get_time",
		Description: "Get the current time in a specific timezone",
		Args:        &TimeArgs{},
		Call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args TimeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decoding arguments: %w", err)
			}
			tz := args.Timezone
			if tz == "" {
				tz = "UTC"
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return "", fmt.Errorf("invalid timezone %q", tz)
			}
			return fmt.Sprintf("Current time in %s: %s", tz, now().In(loc).Format(timeLayout)), nil
		},
	}
}
