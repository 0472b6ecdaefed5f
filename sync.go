package toolbox

import (
	"context"
	"sync"
)

// Sync calls are dispatched to a shared background runner that starts on
// first use and is never torn down. Closing a SyncClient releases its
// transport but leaves the runner serving other clients.
var (
	runnerMu     sync.Mutex
	sharedRunner *syncRunner
)

type syncRunner struct {
	jobs chan func()
}

func runner() *syncRunner {
	runnerMu.Lock()
	defer runnerMu.Unlock()
	if sharedRunner == nil {
		sharedRunner = &syncRunner{jobs: make(chan func())}
		go sharedRunner.loop()
	}
	return sharedRunner
}

// loop runs each job in its own goroutine so one slow call never stalls
// the others.
func (r *syncRunner) loop() {
	for job := range r.jobs {
		go job()
	}
}

func runSync[T any](fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	runner().jobs <- func() {
		v, err := fn(context.Background())
		done <- result{value: v, err: err}
	}
	res := <-done
	return res.value, res.err
}

// SyncClient is a blocking facade over Client for callers that do not
// thread a context.Context through their code.
type SyncClient struct {
	client *Client
}

// NewSyncClient returns a SyncClient that loads tools through the given
// transport. It accepts the same options as NewClient.
func NewSyncClient(transport Transport, opts ...ClientOption) *SyncClient {
	return &SyncClient{client: NewClient(transport, opts...)}
}

// LoadTool fetches the named tool's schema and returns a blocking proxy for
// it. See Client.LoadTool.
func (c *SyncClient) LoadTool(name string, opts ...LoadOption) (*SyncTool, error) {
	tool, err := runSync(func(ctx context.Context) (*Tool, error) {
		return c.client.LoadTool(ctx, name, opts...)
	})
	if err != nil {
		return nil, err
	}
	return &SyncTool{tool: tool}, nil
}

// LoadToolset fetches every tool in the named toolset. An empty name loads
// the service's default toolset. See Client.LoadToolset.
func (c *SyncClient) LoadToolset(name string, opts ...LoadOption) ([]*SyncTool, error) {
	tools, err := runSync(func(ctx context.Context) ([]*Tool, error) {
		return c.client.LoadToolset(ctx, name, opts...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*SyncTool, len(tools))
	for i, t := range tools {
		out[i] = &SyncTool{tool: t}
	}
	return out, nil
}

// Close releases the client's transport.
func (c *SyncClient) Close() error {
	return c.client.Close()
}

// SyncTool wraps a Tool with blocking, context-free calls. Like Tool it is
// immutable; deriving methods return a new SyncTool.
type SyncTool struct {
	tool *Tool
}

// Name returns the tool's name.
func (t *SyncTool) Name() string { return t.tool.Name() }

// Description returns the tool's description.
func (t *SyncTool) Description() string { return t.tool.Description() }

// Parameters returns the parameters a caller must supply at invocation
// time, in declaration order.
func (t *SyncTool) Parameters() []ParameterSchema { return t.tool.Parameters() }

// Invoke executes the tool remotely and blocks until the result arrives.
// See Tool.Invoke.
func (t *SyncTool) Invoke(args map[string]any) (string, error) {
	return runSync(func(ctx context.Context) (string, error) {
		return t.tool.Invoke(ctx, args)
	})
}

// BindParams returns a new SyncTool with the given parameters fixed. See
// Tool.BindParams.
func (t *SyncTool) BindParams(params map[string]Value) (*SyncTool, error) {
	tool, err := t.tool.BindParams(params)
	if err != nil {
		return nil, err
	}
	return &SyncTool{tool: tool}, nil
}

// BindParam returns a new SyncTool with one parameter fixed. See
// Tool.BindParam.
func (t *SyncTool) BindParam(name string, value Value) (*SyncTool, error) {
	tool, err := t.tool.BindParam(name, value)
	if err != nil {
		return nil, err
	}
	return &SyncTool{tool: tool}, nil
}

// AddAuthTokenGetters returns a new SyncTool with the given token getters
// registered. See Tool.AddAuthTokenGetters.
func (t *SyncTool) AddAuthTokenGetters(getters map[string]AuthTokenGetter) (*SyncTool, error) {
	tool, err := t.tool.AddAuthTokenGetters(getters)
	if err != nil {
		return nil, err
	}
	return &SyncTool{tool: tool}, nil
}

// AddAuthTokenGetter returns a new SyncTool with one token getter
// registered. See Tool.AddAuthTokenGetter.
func (t *SyncTool) AddAuthTokenGetter(service string, getter AuthTokenGetter) (*SyncTool, error) {
	tool, err := t.tool.AddAuthTokenGetter(service, getter)
	if err != nil {
		return nil, err
	}
	return &SyncTool{tool: tool}, nil
}
