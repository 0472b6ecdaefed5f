package toolbox

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication with MCP endpoints.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Protocol identifies the wire protocol a transport speaks to a Toolbox
// service. The MCP values are protocol revision dates as exchanged during the
// initialize handshake; ProtocolToolbox selects the plain HTTP API instead.
type Protocol string

// Supported protocols. There is no on-the-fly downgrade between MCP
// revisions: a transport constructed for one revision fails when the server
// negotiates another.
const (
	ProtocolToolbox      Protocol = "toolbox"
	ProtocolMCPv20241105 Protocol = "2024-11-05"
	ProtocolMCPv20250326 Protocol = "2025-03-26"
	ProtocolMCPv20250618 Protocol = "2025-06-18"

	// ProtocolMCP points at the newest MCP revision this package implements.
	ProtocolMCP = ProtocolMCPv20250618
)

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ParameterSchema describes a single input parameter of a tool: its name,
// declared type, and any authentication sources that may supply its value at
// invocation time instead of the caller.
//
// Type is one of "string", "integer", "number", "boolean", "array" or
// "object". For arrays, Items describes the element type; a nil Items means
// the array is untyped and elements are not validated. For objects,
// AdditionalProperties describes the map value constraint; nil means
// unconstrained.
type ParameterSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`

	// Required reports whether a value must be supplied. Parameters are
	// required unless the schema says otherwise.
	Required bool `json:"required"`

	// AuthSources lists authentication services that can supply this
	// parameter's value. When non-empty the parameter is never provided by
	// the caller; exactly one of the listed services must have a token
	// getter registered before the tool can be invoked.
	AuthSources []string `json:"authSources,omitempty"`

	Items                *ParameterSchema      `json:"items,omitempty"`
	AdditionalProperties *AdditionalProperties `json:"additionalProperties,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler, defaulting Type to "string" and
// Required to true when the schema omits them.
func (p *ParameterSchema) UnmarshalJSON(data []byte) error {
	type alias ParameterSchema
	a := alias{Type: "string", Required: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = ParameterSchema(a)
	return nil
}

// AdditionalProperties mirrors the JSON Schema additionalProperties keyword,
// which is either a boolean or a schema constraining the values of an
// object-typed parameter. Allowed is consulted only when Schema is nil:
// true permits arbitrary values, false permits none.
type AdditionalProperties struct {
	Allowed bool
	Schema  *ParameterSchema
}

// MarshalJSON implements json.Marshaler, emitting either the boolean or the
// schema form.
func (a AdditionalProperties) MarshalJSON() ([]byte, error) {
	if a.Schema != nil {
		return json.Marshal(a.Schema)
	}
	return json.Marshal(a.Allowed)
}

// UnmarshalJSON implements json.Unmarshaler, accepting both the boolean and
// the schema form.
func (a *AdditionalProperties) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*a = AdditionalProperties{Allowed: b}
		return nil
	}
	var s ParameterSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("additionalProperties must be a boolean or a schema: %w", err)
	}
	*a = AdditionalProperties{Schema: &s}
	return nil
}

// ToolSchema describes one remote tool: its human-readable description, its
// parameters in declaration order, and the authentication services (if any)
// of which one must be satisfied to invoke the tool at all, independent of
// per-parameter auth.
type ToolSchema struct {
	Description  string            `json:"description"`
	Parameters   []ParameterSchema `json:"parameters"`
	AuthRequired []string          `json:"authRequired,omitempty"`
}

// ManifestSchema is the catalog a discovery call returns: the server version
// plus the set of tool schemas keyed by tool name.
type ManifestSchema struct {
	ServerVersion string                `json:"serverVersion"`
	Tools         map[string]ToolSchema `json:"tools"`
}

// mcpTool is a tool as advertised by an MCP tools/list result. InputSchema
// holds the raw JSON Schema of the tool's arguments; Meta carries vendor
// extensions such as the Toolbox auth requirements.
type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Meta        json.RawMessage `json:"_meta,omitempty"`
}

type listToolsResult struct {
	Tools []mcpTool `json:"tools"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type serverCapabilities struct {
	Prompts map[string]any `json:"prompts,omitempty"`
	Tools   map[string]any `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`

	// SessionID is a non-standard field some servers return for protocol
	// revisions that track sessions in the request body.
	SessionID string `json:"Mcp-Session-Id,omitempty"`
}

// invokeResponse is the body of a plain HTTP API invoke call. Result holds
// the tool output on success; Error holds a string or object describing the
// failure.
type invokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	methodInitialize               = "initialize"
	methodNotificationsInitialized = "notifications/initialized"

	notificationMethodPrefix = "notifications/"

	// sessionIDField is the result and params field name under which
	// session-tracking servers exchange their session identifier.
	sessionIDField = "Mcp-Session-Id"

	// protocolVersionHeader is sent on every request for protocol revisions
	// that tag requests with a fixed version header.
	protocolVersionHeader = "MCP-Protocol-Version"

	// jsonRPCVersionMismatchCode is the server error code Toolbox services
	// use to report a protocol version mismatch.
	jsonRPCVersionMismatchCode = -32000
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
