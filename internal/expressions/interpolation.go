package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/chainreact/flowd/pkg/schema"
)

// SecretSource resolves {{secret:KEY}} references at execution time.
// Satisfied by the store. nil disables secret resolution.
type SecretSource interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// Interpolator resolves {{...}} templates in node configs against a Scope.
// Supported forms:
//
//	{{inputs.path}}, {{globals.path}}      run data
//	{{nodes.<id>.path}}, {{upstream.<id>.path}}  node outputs
//	{{secret:KEY}}                          store-held secret, resolved lazily
//	{{expr: <expression>}}                  expr-lang evaluation over the scope
//
// Resolution is two-pass: scope references first, secrets second, so a secret
// key itself can never be produced by earlier interpolation. Undefined
// references resolve to null, not an error; only malformed templates fail.
type Interpolator struct {
	secrets SecretSource
	exprs   *ExprEngine
}

// NewInterpolator creates an Interpolator. secrets may be nil.
func NewInterpolator(secrets SecretSource) *Interpolator {
	return &Interpolator{
		secrets: secrets,
		exprs:   NewExprEngine(),
	}
}

// HasTemplate reports whether raw JSON contains any {{...}} token.
func HasTemplate(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "{{")
}

// Resolve interpolates all {{...}} tokens in raw JSON config and returns the
// resolved JSON bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	resolved, err := interp.resolvePass(ctx, string(raw), scope, false)
	if err != nil {
		return nil, err
	}
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// ResolveToMap interpolates raw config and unmarshals the result into a map.
func (interp *Interpolator) ResolveToMap(ctx context.Context, raw json.RawMessage, scope *Scope) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	resolved, err := interp.Resolve(ctx, raw, scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(resolved, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"resolved config is not a JSON object: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *Scope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ template")
		}
		end += start

		token := strings.TrimSpace(input[start:end])
		if token == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty template reference: {{ }}")
		}
		if strings.Contains(token, "{{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}

		isSecret := strings.HasPrefix(token, "secret:")
		if secretPass != isSecret {
			// Not this pass's kind — write the token back untouched.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveToken(ctx, token, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))
		i = end + 2
	}

	return result.String(), nil
}

func (interp *Interpolator) resolveToken(ctx context.Context, token string, scope *Scope) (any, error) {
	if strings.HasPrefix(token, "secret:") {
		return interp.resolveSecret(ctx, strings.TrimPrefix(token, "secret:"))
	}
	if strings.HasPrefix(token, "expr:") {
		return interp.exprs.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(token, "expr:")), scope.ToMap())
	}

	parts := strings.SplitN(token, ".", 2)
	namespace := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch namespace {
	case "inputs":
		return traversePath(scope.Inputs, rest), nil
	case "globals":
		return traversePath(scope.Globals, rest), nil
	case "nodes":
		return traversePath(scope.Nodes, rest), nil
	case "upstream":
		return traversePath(scope.Upstream, rest), nil
	default:
		available := []string{"inputs", "globals", "nodes", "upstream", "secret:", "expr:"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in {{%s}}; available: %s", namespace, token, strings.Join(available, ", ")).
			WithDetails(map[string]any{"token": token})
	}
}

func (interp *Interpolator) resolveSecret(ctx context.Context, key string) (any, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty secret key in {{secret:}}")
	}
	if interp.secrets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"secret %q referenced but no secret source configured", key)
	}
	val, err := interp.secrets.GetSecret(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return val, nil
}

// traversePath navigates a dot-delimited path through nested maps and slices.
// A missing segment yields nil: undefined references are not errors.
func traversePath(root any, path string) any {
	if path == "" {
		return root
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			current = v[seg]
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil
			}
			current = v[n]
		default:
			return nil
		}
	}
	return current
}

// marshalInline converts a resolved value into its inline representation.
// Strings embed without extra quotes (the token usually sits inside a JSON
// string already); complex values JSON-encode.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(data)
	}
}
