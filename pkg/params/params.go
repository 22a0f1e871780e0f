package params

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/types"
	"gopkg.in/yaml.v3"
)

// contextSeparator splits the context part from the parameter part of an
// environment variable name
const contextSeparator = "__"

// Values maps a parameter context name to its parameter values
type Values map[string]map[string]string

// set stores value under the context and parameter, replacing an existing
// entry whose normalized name is the same
func (v Values) set(context, name, value string) {
	ctxKey := v.lookupContext(context)
	if ctxKey == "" {
		ctxKey = context
		v[ctxKey] = map[string]string{}
	}
	params := v[ctxKey]
	for existing := range params {
		if Normalize(existing) == Normalize(name) {
			name = existing
			break
		}
	}
	params[name] = value
}

func (v Values) lookupContext(context string) string {
	for key := range v {
		if Normalize(key) == Normalize(context) {
			return key
		}
	}
	return ""
}

// Normalize is the key context and parameter names are matched by: upper
// case letters and digits only. "dbUrl", "db.url" and DB_URL all normalize to
// DBURL, so a camel-case name can be set from an environment variable.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FromEnvironment collects parameters from environ entries named
// <prefix><CONTEXT>__<PARAMETER>. Names are lower-cased and match declared
// contexts and parameters by their normalized form, so
// FLOW_PARAM_PROD__DB_URL sets "dbUrl" or "db.url" of context "prod". A
// parameter the context does not declare is added under the lower-cased name.
func FromEnvironment(environ []string, prefix string) Values {
	out := Values{}
	if prefix == "" {
		return out
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		context, name, ok := strings.Cut(strings.TrimPrefix(key, prefix), contextSeparator)
		if !ok || context == "" || name == "" {
			log.Logger.Debug().Str("variable", key).Msg("Ignoring parameter variable without context separator")
			continue
		}
		out.set(strings.ToLower(context), strings.ToLower(name), value)
	}
	return out
}

// FromFile reads a YAML file mapping context names to parameter values
func FromFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters: %w", err)
	}
	v, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Parse decodes parameter values from YAML. Scalars of any type are kept as
// their literal text.
func Parse(data []byte) (Values, error) {
	var raw map[string]map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := Values{}
	for context, params := range raw {
		out[context] = make(map[string]string, len(params))
		for name, node := range params {
			if node.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: parameter %s.%s must be a scalar", node.Line, context, name)
			}
			out[context][name] = node.Value
		}
	}
	return out, nil
}

// Merge layers values; later layers win
func Merge(layers ...Values) Values {
	out := Values{}
	for _, layer := range layers {
		for _, context := range slices.Sorted(maps.Keys(layer)) {
			params := layer[context]
			if out.lookupContext(context) == "" {
				out[context] = map[string]string{}
			}
			for _, name := range slices.Sorted(maps.Keys(params)) {
				out.set(context, name, params[name])
			}
		}
	}
	return out
}

// Apply overlays values onto the parameter contexts declared in desired.
// Declared values are replaced, new parameters are added. Contexts that are
// not declared are ignored.
func Apply(desired *types.DesiredNode, values Values) {
	logger := log.WithComponent("params")
	used := map[string]bool{}
	_ = desired.Walk(func(n, _ *types.DesiredNode) error {
		spec, ok := n.Spec.(types.ParameterContextSpec)
		if !ok {
			return nil
		}
		key := values.lookupContext(spec.Name)
		if key == "" {
			return nil
		}
		used[key] = true

		merged := Merge(Values{spec.Name: spec.Parameters}, Values{spec.Name: values[key]})
		spec = types.CloneSpec(spec).(types.ParameterContextSpec)
		spec.Parameters = merged[spec.Name]
		n.Spec = spec
		logger.Debug().Str("context", spec.Name).Int("parameters", len(spec.Parameters)).Msg("Parameters resolved")
		return nil
	})
	for context := range values {
		if !used[context] {
			logger.Debug().Str("context", context).Msg("No declared parameter context for resolved values")
		}
	}
}
