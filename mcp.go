package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// mcpRevision captures how one MCP protocol revision differs from the
// baseline. The differences are small enough to live in data rather than in
// separate transport implementations.
type mcpRevision struct {
	version string

	// requireSession means the initialize result must carry a session id,
	// which is then repeated as a params field on every later request.
	requireSession bool

	// versionHeader means every HTTP request carries a fixed
	// MCP-Protocol-Version header.
	versionHeader bool
}

var mcpRevisions = map[Protocol]mcpRevision{
	ProtocolMCPv20241105: {version: string(ProtocolMCPv20241105)},
	ProtocolMCPv20250326: {version: string(ProtocolMCPv20250326), requireSession: true},
	ProtocolMCPv20250618: {version: string(ProtocolMCPv20250618), versionHeader: true},
}

const (
	sdkName    = "go-toolbox"
	sdkVersion = "0.1.0"
)

var defaultHandshakeTimeout = 30 * time.Second

// MCPTransportOption represents the options for the MCP transport.
type MCPTransportOption func(*MCPTransport)

// WithHandshakeTimeout caps how long the one-time session handshake may run,
// measured from the operation that triggers it. Zero removes the cap. The
// default is 30 seconds.
func WithHandshakeTimeout(d time.Duration) MCPTransportOption {
	return func(t *MCPTransport) {
		t.handshakeTimeout = d
	}
}

// WithClientInfo sets the client name and version announced to the server
// during the handshake.
func WithClientInfo(info Info) MCPTransportOption {
	return func(t *MCPTransport) {
		t.clientInfo = info
	}
}

// WithTransportLogger sets the logger for the transport. Defaults to slog.Default().
func WithTransportLogger(logger *slog.Logger) MCPTransportOption {
	return func(t *MCPTransport) {
		t.logger = logger
	}
}

// MCPTransport talks to a Toolbox service over MCP: JSON-RPC 2.0 messages
// POSTed to the {base}/mcp/ family of endpoints. The protocol handshake runs
// lazily before the first operation, shared by however many operations arrive
// concurrently, and its outcome is final for the life of the transport: a
// transport whose handshake failed keeps returning that failure.
type MCPTransport struct {
	baseURL  string
	client   *http.Client
	revision mcpRevision

	clientInfo       Info
	handshakeTimeout time.Duration
	logger           *slog.Logger

	ownsClient      bool
	closeClientOnce sync.Once

	initMu   sync.Mutex
	initDone chan struct{}

	// Written by the handshake goroutine before initDone closes, read only
	// after it closes.
	initErr       error
	sessionID     string
	serverVersion string
}

// NewMCPTransport returns a transport speaking the given MCP protocol
// revision against the service rooted at baseURL. When httpClient is nil the
// transport creates its own client and releases it once the transport is
// done, whether through Close or through a failed handshake; a supplied
// client stays under the caller's control.
func NewMCPTransport(baseURL string, httpClient *http.Client, protocol Protocol, opts ...MCPTransportOption) (*MCPTransport, error) {
	rev, ok := mcpRevisions[protocol]
	if !ok {
		return nil, fmt.Errorf("unsupported mcp protocol %q", protocol)
	}

	t := &MCPTransport{
		baseURL:          strings.TrimRight(baseURL, "/"),
		client:           httpClient,
		revision:         rev,
		clientInfo:       Info{Name: sdkName, Version: sdkVersion},
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{}
		t.ownsClient = true
	}
	return t, nil
}

// GetTool fetches the manifest for a single tool. MCP has no single-tool
// endpoint, so the default toolset is listed and filtered here.
func (t *MCPTransport) GetTool(ctx context.Context, name string, headers map[string]string) (ManifestSchema, error) {
	if err := t.ensureInitialized(ctx); err != nil {
		return ManifestSchema{}, err
	}

	tools, err := t.listTools(ctx, "", headers)
	if err != nil {
		return ManifestSchema{}, err
	}
	for _, tool := range tools {
		if tool.Name != name {
			continue
		}
		return ManifestSchema{
			ServerVersion: t.serverVersion,
			Tools:         map[string]ToolSchema{name: t.convertTool(tool)},
		}, nil
	}
	return ManifestSchema{}, fmt.Errorf("tool %q not found", name)
}

// ListTools fetches the manifest for a toolset. An empty name selects the
// default toolset.
func (t *MCPTransport) ListTools(ctx context.Context, toolsetName string, headers map[string]string) (ManifestSchema, error) {
	if err := t.ensureInitialized(ctx); err != nil {
		return ManifestSchema{}, err
	}

	tools, err := t.listTools(ctx, toolsetName, headers)
	if err != nil {
		return ManifestSchema{}, err
	}

	manifest := ManifestSchema{
		ServerVersion: t.serverVersion,
		Tools:         make(map[string]ToolSchema, len(tools)),
	}
	for _, tool := range tools {
		manifest.Tools[tool.Name] = t.convertTool(tool)
	}
	return manifest, nil
}

// InvokeTool executes the named tool through tools/call and renders the
// returned content blocks as text.
func (t *MCPTransport) InvokeTool(ctx context.Context, name string, arguments map[string]any, headers map[string]string) (string, error) {
	if err := t.ensureInitialized(ctx); err != nil {
		return "", err
	}
	if arguments == nil {
		arguments = map[string]any{}
	}

	raw, err := t.sendRequest(ctx, t.endpoint(""), MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": arguments,
	}, headers)
	if err != nil {
		return "", err
	}

	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("unmarshal call result: %w", err)
	}

	text := renderCallContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %q failed: %s", name, text)
	}
	return text, nil
}

// Close waits for an in-flight handshake to settle, then releases the
// transport's own HTTP client. Calling it again, or on a transport built
// around a caller-supplied client, does nothing.
func (t *MCPTransport) Close() error {
	t.initMu.Lock()
	done := t.initDone
	t.initMu.Unlock()
	if done != nil {
		<-done
	}

	t.closeOwnedClient()
	return nil
}

// ensureInitialized runs the session handshake exactly once. Every caller
// blocks until it settles; afterwards the memoized outcome is returned
// without touching the network again. The handshake itself runs detached
// from the triggering caller's context so that one caller's cancellation
// cannot poison the session for everyone else.
func (t *MCPTransport) ensureInitialized(ctx context.Context) error {
	t.initMu.Lock()
	done := t.initDone
	if done == nil {
		done = make(chan struct{})
		t.initDone = done
		go t.initializeSession(context.WithoutCancel(ctx), done)
	}
	t.initMu.Unlock()

	select {
	case <-done:
		return t.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MCPTransport) initializeSession(ctx context.Context, done chan struct{}) {
	defer close(done)

	if t.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.handshakeTimeout)
		defer cancel()
	}

	if err := t.handshake(ctx); err != nil {
		t.closeOwnedClient()
		t.initErr = fmt.Errorf("initialize mcp session: %w", err)
	}
}

func (t *MCPTransport) handshake(ctx context.Context) error {
	raw, err := t.sendRequest(ctx, t.endpoint(""), methodInitialize, map[string]any{
		"processId":       os.Getpid(),
		"clientInfo":      t.clientInfo,
		"capabilities":    map[string]any{},
		"protocolVersion": t.revision.version,
	}, nil)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return errors.New("empty initialize response")
	}

	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if res.ServerInfo == (Info{}) {
		return errors.New("server info not found in initialize response")
	}
	if res.ServerInfo.Version == "" {
		return errors.New("server version not found in initialize response")
	}
	if res.ProtocolVersion == "" {
		return errors.New("protocol version not found in initialize response")
	}
	if res.ProtocolVersion != t.revision.version {
		return fmt.Errorf("mcp version mismatch: proposed %s, server negotiated %s",
			t.revision.version, res.ProtocolVersion)
	}
	if res.Capabilities.Tools == nil {
		return errors.New("server does not support the tools capability")
	}

	if t.revision.requireSession {
		if res.SessionID == "" {
			return errors.New("server did not return a Mcp-Session-Id during initialization")
		}
		t.sessionID = res.SessionID
	}
	t.serverVersion = res.ServerInfo.Version

	if _, err := t.sendRequest(ctx, t.endpoint(""), methodNotificationsInitialized, nil, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	t.logger.Info("mcp session initialized",
		slog.String("serverName", res.ServerInfo.Name),
		slog.String("serverVersion", res.ServerInfo.Version),
		slog.String("protocolVersion", res.ProtocolVersion))

	return nil
}

// sendRequest performs one JSON-RPC exchange. Methods under notifications/
// are sent without an id and expect no result. The response may arrive as a
// plain JSON body or as a text/event-stream carrying the response message.
func (t *MCPTransport) sendRequest(ctx context.Context, endpoint, method string, params map[string]any, headers map[string]string) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	if t.sessionID != "" {
		merged := make(map[string]any, len(params)+1)
		for k, v := range params {
			merged[k] = v
		}
		merged[sessionIDField] = t.sessionID
		params = merged
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  rawParams,
	}
	if !strings.HasPrefix(method, notificationMethodPrefix) {
		msg.ID = MustString(uuid.New().String())
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if t.revision.versionHeader {
		req.Header.Set(protocolVersionHeader, t.revision.version)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.Status, body)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var respMsg JSONRPCMessage
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		respMsg, err = t.readEventStream(resp.Body, string(msg.ID))
		if err != nil {
			return nil, err
		}
	} else {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(body, &respMsg); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}

	if respMsg.Error != nil {
		if respMsg.Error.Code == jsonRPCVersionMismatchCode {
			return nil, fmt.Errorf("mcp version mismatch: %s", respMsg.Error.Message)
		}
		return nil, fmt.Errorf("mcp request failed with code %d: %s",
			respMsg.Error.Code, respMsg.Error.Message)
	}
	return respMsg.Result, nil
}

// readEventStream scans an event stream for the response matching the
// request id. Unrelated messages may precede it; servers answering a POST
// this way close the stream once the response is out.
func (t *MCPTransport) readEventStream(body io.Reader, wantID string) (JSONRPCMessage, error) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("read event stream: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Error("failed to unmarshal message", "err", err)
			continue
		}
		if wantID != "" && string(msg.ID) != wantID {
			continue
		}
		return msg, nil
	}
	return JSONRPCMessage{}, errors.New("event stream ended without a response")
}

func (t *MCPTransport) listTools(ctx context.Context, toolsetName string, headers map[string]string) ([]mcpTool, error) {
	raw, err := t.sendRequest(ctx, t.endpoint(toolsetName), MethodToolsList, map[string]any{}, headers)
	if err != nil {
		return nil, err
	}

	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal tool list: %w", err)
	}
	return res.Tools, nil
}

func (t *MCPTransport) endpoint(toolsetName string) string {
	if toolsetName == "" {
		return t.baseURL + "/mcp/"
	}
	return t.baseURL + "/mcp/" + toolsetName
}

func (t *MCPTransport) closeOwnedClient() {
	if !t.ownsClient {
		return
	}
	t.closeClientOnce.Do(t.client.CloseIdleConnections)
}

// renderCallContent renders tools/call content blocks. Text blocks are
// normally concatenated; when there are several and every one is a JSON
// object literal on its own, they are joined into a JSON array instead, so a
// tool streaming JSON chunks keeps its structure. No text at all renders as
// "null".
func renderCallContent(content []textContent) string {
	texts := make([]string, 0, len(content))
	for _, c := range content {
		if c.Type != "text" {
			continue
		}
		texts = append(texts, c.Text)
	}

	if len(texts) >= 2 && allJSONObjects(texts) {
		return "[" + strings.Join(texts, ",") + "]"
	}

	joined := strings.Join(texts, "")
	if joined == "" {
		return "null"
	}
	return joined
}

func allJSONObjects(texts []string) bool {
	for _, t := range texts {
		trimmed := strings.TrimSpace(t)
		if !strings.HasPrefix(trimmed, "{") {
			return false
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(t), &obj); err != nil {
			return false
		}
	}
	return true
}

// toolMeta is the vendor extension block Toolbox servers attach to
// advertised tools under _meta.
type toolMeta struct {
	authParams map[string][]string
	authInvoke []string
}

// decodeToolMeta decodes the auth requirements carried in _meta. Each piece
// degrades independently: a malformed entry costs only that entry, never the
// whole tool.
func (t *MCPTransport) decodeToolMeta(toolName string, raw json.RawMessage) toolMeta {
	var meta toolMeta
	if len(raw) == 0 {
		return meta
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.logger.Warn("malformed tool metadata, ignoring auth requirements",
			slog.String("tool", toolName), "err", err)
		return meta
	}

	if rawParams, ok := fields["toolbox/authParams"]; ok {
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(rawParams, &entries); err != nil {
			t.logger.Warn("malformed authParams metadata, ignoring parameter auth",
				slog.String("tool", toolName), "err", err)
		} else {
			for param, rawSources := range entries {
				var sources []string
				if err := json.Unmarshal(rawSources, &sources); err != nil {
					t.logger.Warn("malformed auth sources, ignoring them for this parameter",
						slog.String("tool", toolName), slog.String("parameter", param), "err", err)
					continue
				}
				if meta.authParams == nil {
					meta.authParams = make(map[string][]string)
				}
				meta.authParams[param] = sources
			}
		}
	}

	if rawInvoke, ok := fields["toolbox/authInvoke"]; ok {
		if err := json.Unmarshal(rawInvoke, &meta.authInvoke); err != nil {
			t.logger.Warn("malformed authInvoke metadata, ignoring invocation auth",
				slog.String("tool", toolName), "err", err)
			meta.authInvoke = nil
		}
	}
	return meta
}

// convertTool converts one advertised MCP tool into a ToolSchema. Conversion
// is total: malformed pieces of the input schema degrade to permissive
// defaults rather than failing the whole listing.
func (t *MCPTransport) convertTool(tool mcpTool) ToolSchema {
	meta := t.decodeToolMeta(tool.Name, tool.Meta)

	schema := ToolSchema{
		Description:  tool.Description,
		Parameters:   []ParameterSchema{},
		AuthRequired: meta.authInvoke,
	}

	var input struct {
		Properties json.RawMessage `json:"properties"`
		Required   []string        `json:"required"`
	}
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, &input); err != nil {
			t.logger.Warn("malformed tool input schema, exposing no parameters",
				slog.String("tool", tool.Name), "err", err)
			return schema
		}
	}

	required := make(map[string]bool, len(input.Required))
	for _, name := range input.Required {
		required[name] = true
	}

	props, err := propertiesInOrder(input.Properties)
	if err != nil {
		t.logger.Warn("malformed tool properties, exposing no parameters",
			slog.String("tool", tool.Name), "err", err)
		return schema
	}

	for _, prop := range props {
		p := t.convertParameter(tool.Name, prop.name, prop.raw, required[prop.name])
		p.AuthSources = meta.authParams[prop.name]
		schema.Parameters = append(schema.Parameters, p)
	}
	return schema
}

// convertParameter maps one JSON Schema property onto a ParameterSchema.
func (t *MCPTransport) convertParameter(toolName, name string, raw json.RawMessage, required bool) ParameterSchema {
	p := ParameterSchema{Name: name, Type: "string", Required: required}

	var prop struct {
		Type                 string          `json:"type"`
		Description          string          `json:"description"`
		Items                json.RawMessage `json:"items"`
		AdditionalProperties json.RawMessage `json:"additionalProperties"`
	}
	if err := json.Unmarshal(raw, &prop); err != nil {
		t.logger.Warn("malformed parameter schema, treating as plain string",
			slog.String("tool", toolName), slog.String("parameter", name), "err", err)
		return p
	}

	if prop.Type != "" {
		p.Type = prop.Type
	}
	p.Description = prop.Description

	switch p.Type {
	case "array":
		p.Items = t.convertItems(toolName, name, prop.Items)
	case "object":
		p.AdditionalProperties = t.convertAdditionalProperties(toolName, name, prop.AdditionalProperties)
	}
	return p
}

// convertItems maps an items schema onto the array element descriptor. The
// JSON Schema tuple form (a list of schemas) and any malformed value relax
// the array to untyped.
func (t *MCPTransport) convertItems(toolName, param string, raw json.RawMessage) *ParameterSchema {
	if len(raw) == 0 {
		return nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		t.logger.Warn("unsupported items form, treating array as untyped",
			slog.String("tool", toolName), slog.String("parameter", param))
		return nil
	}

	item := t.convertParameter(toolName, "", raw, true)
	return &item
}

// convertAdditionalProperties maps the additionalProperties keyword. Only an
// explicit boolean or a schema object carrying a type constrains the map;
// anything malformed leaves it unconstrained.
func (t *MCPTransport) convertAdditionalProperties(toolName, param string, raw json.RawMessage) *AdditionalProperties {
	if len(raw) == 0 {
		return nil
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &AdditionalProperties{Allowed: b}
	}

	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Type == "" {
		t.logger.Warn("malformed additionalProperties, treating map as unconstrained",
			slog.String("tool", toolName), slog.String("parameter", param))
		return &AdditionalProperties{Allowed: true}
	}

	schema := t.convertParameter(toolName, "", raw, true)
	return &AdditionalProperties{Schema: &schema}
}

type orderedProperty struct {
	name string
	raw  json.RawMessage
}

// propertiesInOrder decodes a JSON object into name/value pairs, preserving
// the declaration order that plain map decoding would lose. Parameter order
// matters to callers that build positional signatures from it.
func propertiesInOrder(raw json.RawMessage) ([]orderedProperty, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("properties is not an object")
	}

	var out []orderedProperty
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected properties key %v", keyTok)
		}

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		out = append(out, orderedProperty{name: key, raw: val})
	}
	return out, nil
}
