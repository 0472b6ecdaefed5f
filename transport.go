package toolbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// Transport carries tool discovery and invocation calls to a Toolbox
// service. Implementations are safe for concurrent use by multiple
// goroutines.
type Transport interface {
	// GetTool returns a manifest describing the single named tool.
	GetTool(ctx context.Context, name string, headers map[string]string) (ManifestSchema, error)

	// ListTools returns a manifest describing every tool in the named
	// toolset. An empty name selects the default toolset.
	ListTools(ctx context.Context, toolsetName string, headers map[string]string) (ManifestSchema, error)

	// InvokeTool executes the named tool with the given arguments and
	// returns its textual result.
	InvokeTool(ctx context.Context, name string, arguments map[string]any, headers map[string]string) (string, error)

	// Close releases any resources the transport owns. It is safe to call
	// more than once. A transport only ever closes an HTTP client it
	// created itself, never one supplied by the caller.
	Close() error
}

// Value is a parameter or header value that is either fixed up front or
// produced on demand each time it is needed.
type Value struct {
	static any
	fn     func(context.Context) (any, error)
}

// Static returns a Value that always resolves to v.
func Static(v any) Value {
	return Value{static: v}
}

// ValueFunc returns a Value that resolves by calling fn.
func ValueFunc(fn func() (any, error)) Value {
	return Value{fn: func(context.Context) (any, error) { return fn() }}
}

// ValueContextFunc returns a Value that resolves by calling fn with the
// context of the operation that needs the value.
func ValueContextFunc(fn func(context.Context) (any, error)) Value {
	return Value{fn: fn}
}

func (v Value) resolve(ctx context.Context) (any, error) {
	if v.fn != nil {
		return v.fn(ctx)
	}
	return v.static, nil
}

// AuthTokenGetter produces a bearer token for one authentication service.
// Getters are called on every invocation that needs them; this package never
// caches the tokens they return.
type AuthTokenGetter func(ctx context.Context) (string, error)

// AuthError reports that a tool cannot be invoked because one or more of its
// authentication requirements have no registered token getter. Use errors.As
// to distinguish it from other invocation failures.
type AuthError struct {
	// Tool is the name of the tool whose invocation was refused.
	Tool string
	// Services lists the authentication services still needed, in the
	// order the tool declares them.
	Services []string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("one or more of the following authn services are required to invoke this tool: %s",
		strings.Join(e.Services, ","))
}

// resolveHeaders resolves every header Value. Each one must come out as a
// string.
func resolveHeaders(ctx context.Context, headers map[string]Value) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(headers))
	for name, v := range headers {
		val, err := v.resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve header %q: %w", name, err)
		}
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("header %q must resolve to a string, got %T", name, val)
		}
		out[name] = s
	}

	return out, nil
}

// statusError builds the error for a non-2xx HTTP response, preserving the
// status line and the response body.
func statusError(status string, body []byte) error {
	return fmt.Errorf("unexpected status %s: %s", status, bytes.TrimSpace(body))
}
