package toolbox_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	toolbox "github.com/MegaGrindStone/go-toolbox"
)

type recordedRequest struct {
	method string
	path   string
	header http.Header
	params map[string]any
}

// mcpTestServer is a scripted MCP endpoint. Responses are configured as raw
// JSON so tests can serve schemas the transport must degrade gracefully on.
type mcpTestServer struct {
	t *testing.T

	protocolVersion  string
	sessionID        string
	initializeResult string // raw JSON result; empty means a healthy handshake
	initializeStatus int    // non-zero forces a bare status with no body
	initializeDelay  time.Duration
	toolsResult      string // raw JSON array of advertised tools
	callResult       string // raw JSON result for tools/call
	callError        string // raw JSON error object for tools/call
	callAsSSE        bool   // deliver the tools/call response as an event stream

	initializeCalls atomic.Int32

	mu       sync.Mutex
	requests []recordedRequest
}

func (s *mcpTestServer) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.t.Errorf("read request body: %v", err)
			return
		}
		var msg toolbox.JSONRPCMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			s.t.Errorf("unmarshal request: %v", err)
			return
		}
		var params map[string]any
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.t.Errorf("unmarshal params: %v", err)
				return
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			method: msg.Method,
			path:   r.URL.Path,
			header: r.Header.Clone(),
			params: params,
		})
		s.mu.Unlock()

		switch msg.Method {
		case "initialize":
			s.initializeCalls.Add(1)
			if s.initializeDelay > 0 {
				time.Sleep(s.initializeDelay)
			}
			if s.initializeStatus != 0 {
				w.WriteHeader(s.initializeStatus)
				return
			}
			result := s.initializeResult
			if result == "" {
				result = initializeResultJSON(s.protocolVersion, s.sessionID)
			}
			fmt.Fprint(w, rpcResult(msg.ID, result))
		case "notifications/initialized":
			w.WriteHeader(http.StatusNoContent)
		case "tools/list":
			fmt.Fprint(w, rpcResult(msg.ID, `{"tools":[`+s.toolsResult+`]}`))
		case "tools/call":
			if s.callError != "" {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"error":%s}`, string(msg.ID), s.callError)
				return
			}
			if s.callAsSSE {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "event: ping\ndata: {}\n\n")
				fmt.Fprintf(w, "data: %s\n\n", rpcResult("unrelated", `{"content":[]}`))
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", rpcResult(msg.ID, s.callResult))
				return
			}
			fmt.Fprint(w, rpcResult(msg.ID, s.callResult))
		default:
			s.t.Errorf("unexpected method %q", msg.Method)
		}
	}))
}

func (s *mcpTestServer) requestsFor(method string) []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []recordedRequest
	for _, r := range s.requests {
		if r.method == method {
			out = append(out, r)
		}
	}
	return out
}

func rpcResult(id toolbox.MustString, result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, string(id), result)
}

func initializeResultJSON(protocolVersion, sessionID string) string {
	res := fmt.Sprintf(`{"protocolVersion":%q,"capabilities":{"tools":{}},"serverInfo":{"name":"toolbox","version":"0.5.0"}`,
		protocolVersion)
	if sessionID != "" {
		res += fmt.Sprintf(`,"Mcp-Session-Id":%q`, sessionID)
	}
	return res + "}"
}

func TestNewMCPTransport_UnsupportedProtocol(t *testing.T) {
	_, err := toolbox.NewMCPTransport("http://localhost", nil, toolbox.Protocol("bogus"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported mcp protocol") {
		t.Errorf("error = %v, want unsupported protocol", err)
	}
}

func TestMCPTransport_InitializeOnce(t *testing.T) {
	srv := &mcpTestServer{
		t:               t,
		protocolVersion: "2024-11-05",
		initializeDelay: 100 * time.Millisecond,
		toolsResult:     `{"name":"get-weather","description":"Look up the weather"}`,
	}
	httpSrv := srv.serve()
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = tr.ListTools(context.Background(), "", nil)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("ListTools() #%d error = %v", i, err)
		}
	}
	if got := srv.initializeCalls.Load(); got != 1 {
		t.Errorf("initialize calls = %d, want 1", got)
	}
}

func TestMCPTransport_InitializeFailureIsFinal(t *testing.T) {
	var initializeCalls atomic.Int32
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg toolbox.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if msg.Method == "initialize" {
			initializeCalls.Add(1)
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"error":{"code":-32603,"message":"boom"}}`, string(msg.ID))
	}))
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	for i := 0; i < 2; i++ {
		_, err := tr.ListTools(context.Background(), "", nil)
		if err == nil {
			t.Fatalf("ListTools() #%d expected error, got nil", i)
		}
		if !strings.Contains(err.Error(), "initialize mcp session") {
			t.Errorf("ListTools() #%d error = %v, want initialize failure", i, err)
		}
	}
	if got := initializeCalls.Load(); got != 1 {
		t.Errorf("initialize calls = %d, want 1", got)
	}
}

func TestMCPTransport_InitializeValidation(t *testing.T) {
	tests := []struct {
		name             string
		protocol         toolbox.Protocol
		initializeResult string
		initializeStatus int
		wantErr          string
	}{
		{
			name:             "empty response",
			protocol:         toolbox.ProtocolMCPv20241105,
			initializeStatus: http.StatusNoContent,
			wantErr:          "empty initialize response",
		},
		{
			name:             "missing server info",
			protocol:         toolbox.ProtocolMCPv20241105,
			initializeResult: `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}}}`,
			wantErr:          "server info not found",
		},
		{
			name:             "missing server version",
			protocol:         toolbox.ProtocolMCPv20241105,
			initializeResult: `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"toolbox"}}`,
			wantErr:          "server version not found",
		},
		{
			name:             "missing protocol version",
			protocol:         toolbox.ProtocolMCPv20241105,
			initializeResult: `{"capabilities":{"tools":{}},"serverInfo":{"name":"toolbox","version":"0.5.0"}}`,
			wantErr:          "protocol version not found",
		},
		{
			name:             "negotiated different version",
			protocol:         toolbox.ProtocolMCPv20241105,
			initializeResult: `{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"toolbox","version":"0.5.0"}}`,
			wantErr:          "mcp version mismatch: proposed 2024-11-05, server negotiated 2025-03-26",
		},
		{
			name:             "missing tools capability",
			protocol:         toolbox.ProtocolMCPv20241105,
			initializeResult: `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"toolbox","version":"0.5.0"}}`,
			wantErr:          "server does not support the tools capability",
		},
		{
			name:             "missing session id",
			protocol:         toolbox.ProtocolMCPv20250326,
			initializeResult: `{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"toolbox","version":"0.5.0"}}`,
			wantErr:          "did not return a Mcp-Session-Id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &mcpTestServer{
				t:                t,
				initializeResult: tt.initializeResult,
				initializeStatus: tt.initializeStatus,
			}
			httpSrv := srv.serve()
			defer httpSrv.Close()

			tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, tt.protocol)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tr.Close()

			_, err = tr.ListTools(context.Background(), "", nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ListTools() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestMCPTransport_SessionID(t *testing.T) {
	srv := &mcpTestServer{
		t:               t,
		protocolVersion: "2025-03-26",
		sessionID:       "sess-123",
		toolsResult:     `{"name":"get-weather"}`,
		callResult:      `{"content":[{"type":"text","text":"ok"}]}`,
	}
	httpSrv := srv.serve()
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20250326)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	if _, err := tr.ListTools(context.Background(), "", nil); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if _, err := tr.InvokeTool(context.Background(), "get-weather", nil, nil); err != nil {
		t.Fatalf("InvokeTool() error = %v", err)
	}

	initReqs := srv.requestsFor("initialize")
	if len(initReqs) != 1 {
		t.Fatalf("initialize requests = %d, want 1", len(initReqs))
	}
	if _, ok := initReqs[0].params["Mcp-Session-Id"]; ok {
		t.Error("initialize params carry a session id, want none")
	}
	if initReqs[0].params["protocolVersion"] != "2025-03-26" {
		t.Errorf("initialize protocolVersion = %v, want 2025-03-26", initReqs[0].params["protocolVersion"])
	}

	for _, method := range []string{"notifications/initialized", "tools/list", "tools/call"} {
		reqs := srv.requestsFor(method)
		if len(reqs) != 1 {
			t.Fatalf("%s requests = %d, want 1", method, len(reqs))
		}
		if got := reqs[0].params["Mcp-Session-Id"]; got != "sess-123" {
			t.Errorf("%s session id = %v, want sess-123", method, got)
		}
	}

	callReqs := srv.requestsFor("tools/call")
	if got := callReqs[0].params["name"]; got != "get-weather" {
		t.Errorf("tools/call name = %v, want get-weather", got)
	}
}

func TestMCPTransport_ProtocolVersionHeader(t *testing.T) {
	tests := []struct {
		name       string
		protocol   toolbox.Protocol
		version    string
		wantHeader string
	}{
		{
			name:       "2025-06-18 tags every request",
			protocol:   toolbox.ProtocolMCPv20250618,
			version:    "2025-06-18",
			wantHeader: "2025-06-18",
		},
		{
			name:       "2024-11-05 sends no header",
			protocol:   toolbox.ProtocolMCPv20241105,
			version:    "2024-11-05",
			wantHeader: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &mcpTestServer{
				t:               t,
				protocolVersion: tt.version,
				toolsResult:     `{"name":"get-weather"}`,
			}
			httpSrv := srv.serve()
			defer httpSrv.Close()

			tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, tt.protocol)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tr.Close()

			if _, err := tr.ListTools(context.Background(), "", map[string]string{"X-Extra": "1"}); err != nil {
				t.Fatalf("ListTools() error = %v", err)
			}

			srv.mu.Lock()
			requests := append([]recordedRequest(nil), srv.requests...)
			srv.mu.Unlock()
			if len(requests) != 3 {
				t.Fatalf("requests = %d, want 3", len(requests))
			}
			for _, req := range requests {
				if got := req.header.Get("MCP-Protocol-Version"); got != tt.wantHeader {
					t.Errorf("%s MCP-Protocol-Version = %q, want %q", req.method, got, tt.wantHeader)
				}
			}

			// Per-call headers belong to the operation, not to the handshake
			// it triggers.
			for _, req := range requests {
				extra := req.header.Get("X-Extra")
				if req.method == "tools/list" && extra != "1" {
					t.Errorf("tools/list X-Extra = %q, want 1", extra)
				}
				if req.method != "tools/list" && extra != "" {
					t.Errorf("%s X-Extra = %q, want empty", req.method, extra)
				}
			}
		})
	}
}

func TestMCPTransport_ListTools(t *testing.T) {
	srv := &mcpTestServer{
		t:               t,
		protocolVersion: "2024-11-05",
		toolsResult: `{
			"name": "search-rows",
			"description": "Search rows",
			"inputSchema": {
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search text"},
					"limit": {"type": "integer"},
					"tags": {"type": "array", "items": {"type": "string"}},
					"labels": {"type": "object", "additionalProperties": {"type": "integer"}},
					"token": {"type": "string"}
				},
				"required": ["query"]
			},
			"_meta": {
				"toolbox/authParams": {"token": ["my-google"]},
				"toolbox/authInvoke": ["admin-auth"]
			}
		}`,
	}
	httpSrv := srv.serve()
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	manifest, err := tr.ListTools(context.Background(), "my-set", nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}

	listReqs := srv.requestsFor("tools/list")
	if len(listReqs) != 1 || listReqs[0].path != "/mcp/my-set" {
		t.Fatalf("tools/list path = %v, want /mcp/my-set", listReqs)
	}

	if manifest.ServerVersion != "0.5.0" {
		t.Errorf("ServerVersion = %q, want 0.5.0", manifest.ServerVersion)
	}
	schema, ok := manifest.Tools["search-rows"]
	if !ok {
		t.Fatal("tool search-rows missing from manifest")
	}
	if schema.Description != "Search rows" {
		t.Errorf("Description = %q, want Search rows", schema.Description)
	}
	if len(schema.AuthRequired) != 1 || schema.AuthRequired[0] != "admin-auth" {
		t.Errorf("AuthRequired = %v, want [admin-auth]", schema.AuthRequired)
	}

	wantNames := []string{"query", "limit", "tags", "labels", "token"}
	if len(schema.Parameters) != len(wantNames) {
		t.Fatalf("parameters = %d, want %d", len(schema.Parameters), len(wantNames))
	}
	for i, name := range wantNames {
		if schema.Parameters[i].Name != name {
			t.Errorf("parameter %d = %q, want %q", i, schema.Parameters[i].Name, name)
		}
	}

	query := schema.Parameters[0]
	if query.Type != "string" || !query.Required || query.Description != "Search text" {
		t.Errorf("query = %+v, want required string with description", query)
	}
	limit := schema.Parameters[1]
	if limit.Type != "integer" || limit.Required {
		t.Errorf("limit = %+v, want optional integer", limit)
	}
	tags := schema.Parameters[2]
	if tags.Type != "array" || tags.Items == nil || tags.Items.Type != "string" {
		t.Errorf("tags = %+v, want array of string", tags)
	}
	labels := schema.Parameters[3]
	if labels.Type != "object" || labels.AdditionalProperties == nil ||
		labels.AdditionalProperties.Schema == nil || labels.AdditionalProperties.Schema.Type != "integer" {
		t.Errorf("labels = %+v, want object of integer", labels)
	}
	token := schema.Parameters[4]
	if len(token.AuthSources) != 1 || token.AuthSources[0] != "my-google" {
		t.Errorf("token auth sources = %v, want [my-google]", token.AuthSources)
	}
}

func TestMCPTransport_SchemaDegradation(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		check func(t *testing.T, schema toolbox.ToolSchema)
	}{
		{
			name: "tuple items relax array to untyped",
			tool: `{"name":"a","inputSchema":{"properties":{"xs":{"type":"array","items":[{"type":"string"}]}}}}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				p := schema.Parameters[0]
				if p.Type != "array" || p.Items != nil {
					t.Errorf("xs = %+v, want untyped array", p)
				}
			},
		},
		{
			name: "additionalProperties false",
			tool: `{"name":"a","inputSchema":{"properties":{"m":{"type":"object","additionalProperties":false}}}}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				p := schema.Parameters[0]
				if p.AdditionalProperties == nil || p.AdditionalProperties.Allowed || p.AdditionalProperties.Schema != nil {
					t.Errorf("m = %+v, want additional properties disallowed", p)
				}
			},
		},
		{
			name: "typeless additionalProperties left unconstrained",
			tool: `{"name":"a","inputSchema":{"properties":{"m":{"type":"object","additionalProperties":{"foo":1}}}}}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				p := schema.Parameters[0]
				if p.AdditionalProperties == nil || !p.AdditionalProperties.Allowed || p.AdditionalProperties.Schema != nil {
					t.Errorf("m = %+v, want unconstrained map", p)
				}
			},
		},
		{
			name: "malformed property treated as plain string",
			tool: `{"name":"a","inputSchema":{"properties":{"p":5}}}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				p := schema.Parameters[0]
				if p.Type != "string" || p.Required {
					t.Errorf("p = %+v, want optional string", p)
				}
			},
		},
		{
			name: "typeless property defaults to string",
			tool: `{"name":"a","inputSchema":{"properties":{"p":{"description":"d"}}}}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				p := schema.Parameters[0]
				if p.Type != "string" || p.Description != "d" {
					t.Errorf("p = %+v, want string with description", p)
				}
			},
		},
		{
			name: "malformed input schema exposes no parameters",
			tool: `{"name":"a","description":"still here","inputSchema":"nope"}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				if len(schema.Parameters) != 0 {
					t.Errorf("parameters = %+v, want none", schema.Parameters)
				}
				if schema.Description != "still here" {
					t.Errorf("description = %q, want still here", schema.Description)
				}
			},
		},
		{
			name: "malformed auth metadata ignored",
			tool: `{"name":"a","inputSchema":{"properties":{"p":{"type":"string"}}},"_meta":{"toolbox/authParams":"nope","toolbox/authInvoke":"nope"}}`,
			check: func(t *testing.T, schema toolbox.ToolSchema) {
				if len(schema.AuthRequired) != 0 {
					t.Errorf("AuthRequired = %v, want none", schema.AuthRequired)
				}
				if len(schema.Parameters[0].AuthSources) != 0 {
					t.Errorf("AuthSources = %v, want none", schema.Parameters[0].AuthSources)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &mcpTestServer{
				t:               t,
				protocolVersion: "2024-11-05",
				toolsResult:     tt.tool,
			}
			httpSrv := srv.serve()
			defer httpSrv.Close()

			tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tr.Close()

			manifest, err := tr.ListTools(context.Background(), "", nil)
			if err != nil {
				t.Fatalf("ListTools() error = %v", err)
			}
			schema, ok := manifest.Tools["a"]
			if !ok {
				t.Fatal("tool missing from manifest")
			}
			tt.check(t, schema)
		})
	}
}

func TestMCPTransport_GetTool(t *testing.T) {
	srv := &mcpTestServer{
		t:               t,
		protocolVersion: "2024-11-05",
		toolsResult:     `{"name":"alpha"},{"name":"beta","description":"Second"}`,
	}
	httpSrv := srv.serve()
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	manifest, err := tr.GetTool(context.Background(), "beta", nil)
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}
	if len(manifest.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(manifest.Tools))
	}
	if manifest.Tools["beta"].Description != "Second" {
		t.Errorf("description = %q, want Second", manifest.Tools["beta"].Description)
	}

	listReqs := srv.requestsFor("tools/list")
	if len(listReqs) != 1 || listReqs[0].path != "/mcp/" {
		t.Fatalf("tools/list path = %v, want /mcp/", listReqs)
	}

	_, err = tr.GetTool(context.Background(), "gamma", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), `tool "gamma" not found`) {
		t.Errorf("GetTool() error = %v, want not found", err)
	}
}

func TestMCPTransport_InvokeTool(t *testing.T) {
	tests := []struct {
		name       string
		callResult string
		want       string
		wantErr    string
	}{
		{
			name:       "single text block",
			callResult: `{"content":[{"type":"text","text":"hello"}]}`,
			want:       "hello",
		},
		{
			name:       "json object blocks joined as array",
			callResult: `{"content":[{"type":"text","text":"{\"a\":1}"},{"type":"text","text":"{\"b\":2}"}]}`,
			want:       `[{"a":1},{"b":2}]`,
		},
		{
			name:       "plain text blocks concatenated",
			callResult: `{"content":[{"type":"text","text":"foo"},{"type":"text","text":"bar"}]}`,
			want:       "foobar",
		},
		{
			name:       "no content renders null",
			callResult: `{"content":[]}`,
			want:       "null",
		},
		{
			name:       "non-text blocks skipped",
			callResult: `{"content":[{"type":"image","data":"zzzz"},{"type":"text","text":"hi"}]}`,
			want:       "hi",
		},
		{
			name:       "isError carries the text",
			callResult: `{"content":[{"type":"text","text":"table missing"}],"isError":true}`,
			wantErr:    `tool "run" failed: table missing`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &mcpTestServer{
				t:               t,
				protocolVersion: "2024-11-05",
				callResult:      tt.callResult,
			}
			httpSrv := srv.serve()
			defer httpSrv.Close()

			tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tr.Close()

			got, err := tr.InvokeTool(context.Background(), "run", map[string]any{"x": 1}, nil)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("InvokeTool() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("InvokeTool() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("InvokeTool() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMCPTransport_InvokeToolRPCErrors(t *testing.T) {
	tests := []struct {
		name      string
		callError string
		wantErr   string
	}{
		{
			name:      "version mismatch code",
			callError: `{"code":-32000,"message":"unsupported protocol version"}`,
			wantErr:   "mcp version mismatch: unsupported protocol version",
		},
		{
			name:      "other codes pass through",
			callError: `{"code":-32601,"message":"method not found"}`,
			wantErr:   "mcp request failed with code -32601: method not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &mcpTestServer{
				t:               t,
				protocolVersion: "2024-11-05",
				callError:       tt.callError,
			}
			httpSrv := srv.serve()
			defer httpSrv.Close()

			tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tr.Close()

			_, err = tr.InvokeTool(context.Background(), "run", nil, nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("InvokeTool() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestMCPTransport_InvokeToolEventStream(t *testing.T) {
	srv := &mcpTestServer{
		t:               t,
		protocolVersion: "2024-11-05",
		callResult:      `{"content":[{"type":"text","text":"streamed"}]}`,
		callAsSSE:       true,
	}
	httpSrv := srv.serve()
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	got, err := tr.InvokeTool(context.Background(), "run", nil, nil)
	if err != nil {
		t.Fatalf("InvokeTool() error = %v", err)
	}
	if got != "streamed" {
		t.Errorf("InvokeTool() = %q, want streamed", got)
	}
}

func TestMCPTransport_Close(t *testing.T) {
	srv := &mcpTestServer{
		t:               t,
		protocolVersion: "2024-11-05",
		toolsResult:     `{"name":"get-weather"}`,
	}
	httpSrv := srv.serve()
	defer httpSrv.Close()

	tr, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.ListTools(context.Background(), "", nil); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// Closing a transport that never ran an operation is also fine.
	idle, err := toolbox.NewMCPTransport(httpSrv.URL, nil, toolbox.ProtocolMCPv20241105)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := idle.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
