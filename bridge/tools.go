package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guseggert/mcpbridge/internal/tools"
)

// ListTools asks the child for its tool descriptors.
func (b *Bridge) ListTools(ctx context.Context, timeout time.Duration) (*tools.ListResult, error) {
	raw, err := b.Call(ctx, tools.MethodList, nil, timeout)
	if err != nil {
		return nil, err
	}
	var res tools.ListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", tools.MethodList, err)
	}
	return &res, nil
}

// CallTool invokes a named tool. A tool that fails still returns a result, with IsError set.
func (b *Bridge) CallTool(ctx context.Context, name string, args any, timeout time.Duration) (*tools.Result, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling arguments for %s: %w", name, err)
	}
	params := tools.CallParams{Name: name, Arguments: rawArgs}
	raw, err := b.Call(ctx, tools.MethodCall, params, timeout)
	if err != nil {
		return nil, err
	}
	var res tools.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", tools.MethodCall, err)
	}
	return &res, nil
}
