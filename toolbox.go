package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPTransport talks to a Toolbox service over its plain HTTP API:
// GET /api/tool/{name}, GET /api/toolset/{name} and
// POST /api/tool/{name}/invoke. It keeps no session state, so every request
// is self-contained.
type HTTPTransport struct {
	baseURL string
	client  *http.Client

	ownsClient bool
	closeOnce  sync.Once
}

// NewHTTPTransport returns a transport for the plain HTTP API rooted at
// baseURL. When httpClient is nil the transport creates its own client and
// releases it on Close; a supplied client stays under the caller's control.
func NewHTTPTransport(baseURL string, httpClient *http.Client) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
	if t.client == nil {
		t.client = &http.Client{}
		t.ownsClient = true
	}
	return t
}

// GetTool fetches the manifest for a single tool.
func (t *HTTPTransport) GetTool(ctx context.Context, name string, headers map[string]string) (ManifestSchema, error) {
	return t.getManifest(ctx, t.baseURL+"/api/tool/"+name, headers)
}

// ListTools fetches the manifest for a toolset. An empty name selects the
// default toolset.
func (t *HTTPTransport) ListTools(ctx context.Context, toolsetName string, headers map[string]string) (ManifestSchema, error) {
	return t.getManifest(ctx, t.baseURL+"/api/toolset/"+toolsetName, headers)
}

// InvokeTool executes the named tool. The response body is decoded as
// {result, error}: an error field reports a failure regardless of the HTTP
// status, a string result is returned unquoted, any other result keeps its
// JSON encoding, and a body carrying neither field is returned verbatim.
func (t *HTTPTransport) InvokeTool(ctx context.Context, name string, arguments map[string]any, headers map[string]string) (string, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	payload, err := json.Marshal(arguments)
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/api/tool/"+name+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	var res invokeResponse
	decodeErr := json.Unmarshal(body, &res)
	if decodeErr == nil && len(res.Error) > 0 {
		return "", fmt.Errorf("invoke tool %q: %s", name, renderJSONText(res.Error))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp.Status, body)
	}
	if decodeErr != nil || len(res.Result) == 0 {
		return string(body), nil
	}
	return renderJSONText(res.Result), nil
}

// Close releases the transport's own HTTP client. Calling it again, or on a
// transport built around a caller-supplied client, does nothing.
func (t *HTTPTransport) Close() error {
	if t.ownsClient {
		t.closeOnce.Do(t.client.CloseIdleConnections)
	}
	return nil
}

func (t *HTTPTransport) getManifest(ctx context.Context, requestURL string, headers map[string]string) (ManifestSchema, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return ManifestSchema{}, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ManifestSchema{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ManifestSchema{}, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ManifestSchema{}, statusError(resp.Status, body)
	}

	var manifest ManifestSchema
	if err := json.Unmarshal(body, &manifest); err != nil {
		return ManifestSchema{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return manifest, nil
}

// renderJSONText returns the text form of a raw JSON value: strings are
// unquoted, everything else keeps its JSON encoding.
func renderJSONText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
