package toolbox

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// authTokenHeaderSuffix is appended to a service name to form the header
// under which that service's token travels.
const authTokenHeaderSuffix = "_token"

// authParam is one parameter whose value must come from an authentication
// service rather than from the caller.
type authParam struct {
	name     string
	services []string
}

// Tool is a proxy for one tool on a remote Toolbox service. It validates
// arguments locally, resolves bound parameters and auth tokens, and hands
// the assembled request to its transport.
//
// A Tool is immutable: BindParams and AddAuthTokenGetters return a new Tool
// and never change the receiver. It holds a reference to, but does not own,
// the transport it was loaded through.
type Tool struct {
	transport   Transport
	name        string
	description string

	// params are the visible, validation-eligible parameters: the declared
	// set minus bound and auth-supplied ones, in declaration order.
	params []ParameterSchema

	// requiredAuthnParams and requiredAuthzTokens are the auth requirements
	// not yet covered by a registered token getter. Invocation is refused
	// while either is non-empty.
	requiredAuthnParams []authParam
	requiredAuthzTokens []string

	authTokenGetters map[string]AuthTokenGetter
	boundParams      map[string]Value
	clientHeaders    map[string]Value
}

func newTool(transport Transport, name, description string, params []ParameterSchema,
	requiredAuthnParams []authParam, requiredAuthzTokens []string,
	getters map[string]AuthTokenGetter, bound map[string]Value, clientHeaders map[string]Value,
) (*Tool, error) {
	var collisions []string
	for service := range getters {
		header := service + authTokenHeaderSuffix
		if _, ok := clientHeaders[header]; ok {
			collisions = append(collisions, header)
		}
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		return nil, fmt.Errorf("tool %q: client header(s) %s collide with auth token header(s)",
			name, strings.Join(collisions, ", "))
	}

	return &Tool{
		transport:           transport,
		name:                name,
		description:         description,
		params:              params,
		requiredAuthnParams: requiredAuthnParams,
		requiredAuthzTokens: requiredAuthzTokens,
		authTokenGetters:    copyMap(getters),
		boundParams:         copyMap(bound),
		clientHeaders:       copyMap(clientHeaders),
	}, nil
}

// Name returns the tool's name.
func (t *Tool) Name() string { return t.name }

// Description returns the tool's description.
func (t *Tool) Description() string { return t.description }

// Parameters returns the parameters a caller must supply at invocation time,
// in declaration order. Bound and auth-supplied parameters are not included.
func (t *Tool) Parameters() []ParameterSchema {
	out := make([]ParameterSchema, len(t.params))
	copy(out, t.params)
	return out
}

// Invoke executes the tool remotely with the given arguments. Arguments are
// validated against the visible parameters before any network traffic: auth
// requirements without a getter, bound-parameter conflicts, unknown names,
// missing required parameters, and type mismatches all fail locally. There
// are no retries; transport failures are returned as they are.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if len(t.requiredAuthnParams) > 0 || len(t.requiredAuthzTokens) > 0 {
		return "", &AuthError{Tool: t.name, Services: t.requiredAuthServices()}
	}

	if err := t.validateArgs(args); err != nil {
		return "", err
	}

	payload := make(map[string]any, len(args)+len(t.boundParams))
	for k, v := range args {
		payload[k] = v
	}
	for name, v := range t.boundParams {
		val, err := v.resolve(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve bound parameter %q for tool %q: %w", name, t.name, err)
		}
		payload[name] = val
	}

	headers, err := t.invocationHeaders(ctx)
	if err != nil {
		return "", err
	}

	return t.transport.InvokeTool(ctx, t.name, payload, headers)
}

// BindParams returns a new Tool with the given parameters fixed. Bound
// parameters disappear from the visible signature and their values resolve
// on every invocation. Binding an unknown or already bound parameter is an
// error naming every offender.
func (t *Tool) BindParams(params map[string]Value) (*Tool, error) {
	visible := make(map[string]bool, len(t.params))
	for _, p := range t.params {
		visible[p.Name] = true
	}

	var unknown, rebound []string
	for name := range params {
		if _, ok := t.boundParams[name]; ok {
			rebound = append(rebound, name)
			continue
		}
		if !visible[name] {
			unknown = append(unknown, name)
		}
	}
	var msgs []string
	if len(unknown) > 0 {
		sort.Strings(unknown)
		msgs = append(msgs, "no parameter(s) named: "+strings.Join(unknown, ", "))
	}
	if len(rebound) > 0 {
		sort.Strings(rebound)
		msgs = append(msgs, "parameter(s) already bound: "+strings.Join(rebound, ", "))
	}
	if len(msgs) > 0 {
		return nil, fmt.Errorf("unable to bind parameters to tool %q: %s", t.name, strings.Join(msgs, "; "))
	}

	remaining := make([]ParameterSchema, 0, len(t.params))
	for _, p := range t.params {
		if _, ok := params[p.Name]; !ok {
			remaining = append(remaining, p)
		}
	}
	bound := copyMap(t.boundParams)
	for k, v := range params {
		bound[k] = v
	}

	derived := *t
	derived.params = remaining
	derived.boundParams = bound
	return &derived, nil
}

// BindParam returns a new Tool with one parameter fixed. See BindParams.
func (t *Tool) BindParam(name string, value Value) (*Tool, error) {
	return t.BindParams(map[string]Value{name: value})
}

// AddAuthTokenGetters returns a new Tool with the given token getters
// registered. Registering a service twice, or a getter that satisfies no
// requirement on this tool, is an error naming every offender.
func (t *Tool) AddAuthTokenGetters(getters map[string]AuthTokenGetter) (*Tool, error) {
	var dup []string
	for service := range getters {
		if _, ok := t.authTokenGetters[service]; ok {
			dup = append(dup, service)
		}
	}
	if len(dup) > 0 {
		sort.Strings(dup)
		return nil, fmt.Errorf("authentication source(s) %s already registered in tool %q",
			strings.Join(dup, ", "), t.name)
	}

	remainingAuthn, remainingAuthz, used := identifyAuthRequirements(
		t.requiredAuthnParams, t.requiredAuthzTokens, getters)

	var unused []string
	for service := range getters {
		if !used[service] {
			unused = append(unused, service)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return nil, fmt.Errorf("authentication source(s) %s unused by tool %q",
			strings.Join(unused, ", "), t.name)
	}

	merged := copyMap(t.authTokenGetters)
	for k, v := range getters {
		merged[k] = v
	}

	return newTool(t.transport, t.name, t.description, t.params,
		remainingAuthn, remainingAuthz, merged, t.boundParams, t.clientHeaders)
}

// AddAuthTokenGetter returns a new Tool with one token getter registered.
// See AddAuthTokenGetters.
func (t *Tool) AddAuthTokenGetter(service string, getter AuthTokenGetter) (*Tool, error) {
	return t.AddAuthTokenGetters(map[string]AuthTokenGetter{service: getter})
}

// requiredAuthServices lists every service that could still unlock this
// tool, deduplicated, in declaration order.
func (t *Tool) requiredAuthServices() []string {
	seen := make(map[string]bool)
	var services []string
	for _, p := range t.requiredAuthnParams {
		for _, s := range p.services {
			if !seen[s] {
				seen[s] = true
				services = append(services, s)
			}
		}
	}
	for _, s := range t.requiredAuthzTokens {
		if !seen[s] {
			seen[s] = true
			services = append(services, s)
		}
	}
	return services
}

func (t *Tool) validateArgs(args map[string]any) error {
	visible := make(map[string]bool, len(t.params))
	for _, p := range t.params {
		visible[p.Name] = true
	}

	var conflicts, unknown []string
	for name := range args {
		if _, ok := t.boundParams[name]; ok {
			conflicts = append(conflicts, name)
			continue
		}
		if !visible[name] {
			unknown = append(unknown, name)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return fmt.Errorf("tool %q: cannot provide value during call for already bound argument(s): %s",
			t.name, strings.Join(conflicts, ", "))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("tool %q has no parameter(s) named: %s", t.name, strings.Join(unknown, ", "))
	}

	var missing []string
	for _, p := range t.params {
		if _, ok := args[p.Name]; !ok && p.Required {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("tool %q missing required parameter(s): %s", t.name, strings.Join(missing, ", "))
	}

	for _, p := range t.params {
		v, ok := args[p.Name]
		if !ok {
			continue
		}
		if err := validateValue(p.Name, p, v); err != nil {
			return fmt.Errorf("tool %q: %w", t.name, err)
		}
	}
	return nil
}

// invocationHeaders resolves the auth token getters under their synthesized
// {service}_token header names and merges the resolved client headers.
// Collisions between the two sets were rejected at construction.
func (t *Tool) invocationHeaders(ctx context.Context) (map[string]string, error) {
	headers := make(map[string]string, len(t.authTokenGetters)+len(t.clientHeaders))
	for service, getter := range t.authTokenGetters {
		token, err := getter(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve auth token %q for tool %q: %w", service, t.name, err)
		}
		headers[service+authTokenHeaderSuffix] = token
	}

	clientHeaders, err := resolveHeaders(ctx, t.clientHeaders)
	if err != nil {
		return nil, err
	}
	for k, v := range clientHeaders {
		headers[k] = v
	}
	return headers, nil
}

// identifyAuthRequirements filters auth requirements against registered
// getter names. A parameter is satisfied when any of its candidate services
// has a getter; the whole-tool requirement is satisfied when any one of its
// listed services has one. Returns what is still required plus the getter
// names that satisfied something.
func identifyAuthRequirements(authnParams []authParam, authzTokens []string, getters map[string]AuthTokenGetter,
) (remainingAuthn []authParam, remainingAuthz []string, used map[string]bool) {
	used = make(map[string]bool)

	for _, p := range authnParams {
		matched := false
		for _, s := range p.services {
			if _, ok := getters[s]; ok {
				used[s] = true
				matched = true
			}
		}
		if !matched {
			remainingAuthn = append(remainingAuthn, p)
		}
	}

	matched := false
	for _, s := range authzTokens {
		if _, ok := getters[s]; ok {
			used[s] = true
			matched = true
		}
	}
	if !matched && len(authzTokens) > 0 {
		remainingAuthz = append([]string(nil), authzTokens...)
	}

	return remainingAuthn, remainingAuthz, used
}

// validateValue checks one argument against its declared parameter type,
// recursing into array elements and constrained map values. The path names
// the offending field in nested reports.
func validateValue(path string, p ParameterSchema, v any) error {
	if v == nil {
		if p.Required {
			return fmt.Errorf("invalid type for parameter %q: expected %s, got null", path, p.Type)
		}
		return nil
	}

	switch p.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return typeMismatch(path, "string", v)
		}
	case "integer":
		if !isInteger(v) {
			return typeMismatch(path, "integer", v)
		}
	case "number":
		if !isNumber(v) {
			return typeMismatch(path, "number", v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return typeMismatch(path, "boolean", v)
		}
	case "array":
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return typeMismatch(path, "array", v)
		}
		if p.Items == nil {
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			if err := validateValue(elemPath, *p.Items, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
	case "object":
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return typeMismatch(path, "object", v)
		}
		ap := p.AdditionalProperties
		if ap == nil {
			return nil
		}
		if ap.Schema == nil {
			if !ap.Allowed && rv.Len() > 0 {
				return fmt.Errorf("parameter %q does not allow additional properties", path)
			}
			return nil
		}
		iter := rv.MapRange()
		for iter.Next() {
			entryPath := path + "." + iter.Key().String()
			if err := validateValue(entryPath, *ap.Schema, iter.Value().Interface()); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeMismatch(path, want string, v any) error {
	return fmt.Errorf("invalid type for parameter %q: expected %s, got %T", path, want, v)
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return float64(n) == math.Trunc(float64(n))
	case float64:
		return n == math.Trunc(n)
	default:
		return false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
