package toolbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// WithClientHeaders sets headers the client resolves and attaches to every
// request it makes through its transport.
func WithClientHeaders(headers map[string]Value) ClientOption {
	return func(c *Client) {
		c.clientHeaders = headers
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// LoadOption is a function that configures a single LoadTool or LoadToolset
// call.
type LoadOption func(*loadConfig)

type loadConfig struct {
	authTokenGetters map[string]AuthTokenGetter
	boundParams      map[string]Value
	strict           bool
}

// WithAuthTokenGetters registers token getters for the tools being loaded.
func WithAuthTokenGetters(getters map[string]AuthTokenGetter) LoadOption {
	return func(cfg *loadConfig) {
		cfg.authTokenGetters = getters
	}
}

// WithBoundParams pre-binds parameter values for the tools being loaded.
func WithBoundParams(params map[string]Value) LoadOption {
	return func(cfg *loadConfig) {
		cfg.boundParams = params
	}
}

// WithStrict makes LoadToolset validate every getter and bound parameter
// against each tool individually instead of against the toolset as a whole.
func WithStrict(strict bool) LoadOption {
	return func(cfg *loadConfig) {
		cfg.strict = strict
	}
}

// Client loads tools from a Toolbox service through a Transport. Tools
// loaded by the same client share its headers and its transport session.
//
// A Client must be created using NewClient() and should be closed with
// Close() when it is no longer needed.
type Client struct {
	transport     Transport
	clientHeaders map[string]Value
	logger        *slog.Logger
}

// NewClient returns a Client that loads tools through the given transport.
// The client takes ownership of the transport; Close releases it.
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport:     transport,
		clientHeaders: map[string]Value{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadTool fetches the named tool's schema and returns a proxy for it.
// Every getter and bound parameter supplied through options must be
// consumed by the tool, otherwise loading fails.
func (c *Client) LoadTool(ctx context.Context, name string, opts ...LoadOption) (*Tool, error) {
	cfg := newLoadConfig(opts)

	headers, err := resolveHeaders(ctx, c.clientHeaders)
	if err != nil {
		return nil, err
	}
	manifest, err := c.transport.GetTool(ctx, name, headers)
	if err != nil {
		return nil, err
	}
	schema, ok := manifest.Tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}

	tool, usedAuth, usedBound, err := c.parseTool(name, schema, cfg.authTokenGetters, cfg.boundParams)
	if err != nil {
		return nil, err
	}

	if problems := unusedLoadKeys(cfg, usedAuth, usedBound); len(problems) > 0 {
		return nil, fmt.Errorf("validation failed for tool %q: %s", name, strings.Join(problems, "; "))
	}

	c.logger.Debug("loaded tool", slog.String("tool", name))
	return tool, nil
}

// LoadToolset fetches every tool in the named toolset. An empty name loads
// the service's default toolset. By default each getter and bound parameter
// must be consumed by at least one tool in the set; WithStrict(true)
// requires every tool to consume all of them.
func (c *Client) LoadToolset(ctx context.Context, name string, opts ...LoadOption) ([]*Tool, error) {
	cfg := newLoadConfig(opts)

	headers, err := resolveHeaders(ctx, c.clientHeaders)
	if err != nil {
		return nil, err
	}
	manifest, err := c.transport.ListTools(ctx, name, headers)
	if err != nil {
		return nil, err
	}

	overallUsedAuth := make(map[string]bool)
	overallUsedBound := make(map[string]bool)
	tools := make([]*Tool, 0, len(manifest.Tools))

	for _, toolName := range sortedToolNames(manifest.Tools) {
		tool, usedAuth, usedBound, err := c.parseTool(toolName, manifest.Tools[toolName],
			cfg.authTokenGetters, cfg.boundParams)
		if err != nil {
			return nil, err
		}

		if cfg.strict {
			if problems := unusedLoadKeys(cfg, usedAuth, usedBound); len(problems) > 0 {
				return nil, fmt.Errorf("validation failed for tool %q: %s", toolName, strings.Join(problems, "; "))
			}
		} else {
			for k := range usedAuth {
				overallUsedAuth[k] = true
			}
			for k := range usedBound {
				overallUsedBound[k] = true
			}
		}
		tools = append(tools, tool)
	}

	if !cfg.strict {
		var problems []string
		if unused := unusedKeys(cfg.authTokenGetters, overallUsedAuth); len(unused) > 0 {
			problems = append(problems, "unused auth tokens could not be applied to any tool: "+strings.Join(unused, ", "))
		}
		if unused := unusedKeys(cfg.boundParams, overallUsedBound); len(unused) > 0 {
			problems = append(problems, "unused bound parameters could not be applied to any tool: "+strings.Join(unused, ", "))
		}
		if len(problems) > 0 {
			setName := name
			if setName == "" {
				setName = "default"
			}
			return nil, fmt.Errorf("validation failed for toolset %q: %s", setName, strings.Join(problems, "; "))
		}
	}

	c.logger.Debug("loaded toolset", slog.String("toolset", name), slog.Int("tools", len(tools)))
	return tools, nil
}

// Close releases the transport and any resources it owns.
func (c *Client) Close() error {
	return c.transport.Close()
}

// parseTool splits a tool schema into caller-visible, bound, and
// auth-supplied parameters and builds the proxy. It reports which getters
// and bound-parameter names the tool consumed so the load paths can flag
// leftovers.
func (c *Client) parseTool(name string, schema ToolSchema, getters map[string]AuthTokenGetter, allBound map[string]Value,
) (*Tool, map[string]bool, map[string]bool, error) {
	var params []ParameterSchema
	var authnParams []authParam
	bound := make(map[string]Value)

	for _, p := range schema.Parameters {
		if len(p.AuthSources) > 0 {
			authnParams = append(authnParams, authParam{name: p.Name, services: p.AuthSources})
			continue
		}
		if v, ok := allBound[p.Name]; ok {
			bound[p.Name] = v
			continue
		}
		params = append(params, p)
	}

	remainingAuthn, remainingAuthz, usedAuth := identifyAuthRequirements(
		authnParams, schema.AuthRequired, getters)

	tool, err := newTool(c.transport, name, schema.Description, params,
		remainingAuthn, remainingAuthz, getters, bound, c.clientHeaders)
	if err != nil {
		return nil, nil, nil, err
	}

	usedBound := make(map[string]bool, len(bound))
	for k := range bound {
		usedBound[k] = true
	}
	return tool, usedAuth, usedBound, nil
}

func newLoadConfig(opts []LoadOption) loadConfig {
	cfg := loadConfig{
		authTokenGetters: map[string]AuthTokenGetter{},
		boundParams:      map[string]Value{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func unusedLoadKeys(cfg loadConfig, usedAuth, usedBound map[string]bool) []string {
	var problems []string
	if unused := unusedKeys(cfg.authTokenGetters, usedAuth); len(unused) > 0 {
		problems = append(problems, "unused auth tokens: "+strings.Join(unused, ", "))
	}
	if unused := unusedKeys(cfg.boundParams, usedBound); len(unused) > 0 {
		problems = append(problems, "unused bound parameters: "+strings.Join(unused, ", "))
	}
	return problems
}

// unusedKeys returns the provided keys nothing consumed, sorted.
func unusedKeys[V any](provided map[string]V, used map[string]bool) []string {
	var out []string
	for k := range provided {
		if !used[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedToolNames(tools map[string]ToolSchema) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
