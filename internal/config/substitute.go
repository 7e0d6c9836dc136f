package config

import (
	"regexp"

	"go.uber.org/zap"
)

var placeholderRe = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Substitute replaces ${{name}} placeholders in s using values. Unresolved
// placeholders are left intact and reported back; backends may intentionally
// pass literal tokens through to the downstream process.
func Substitute(s string, values map[string]string) (string, []string) {
	var unresolved []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := values[name]; ok {
			return v
		}
		unresolved = append(unresolved, name)
		return match
	})
	return out, unresolved
}

// SubstituteBackend applies placeholder substitution to a backend's command,
// URL, and environment, returning a copy. The original descriptor is never
// mutated. Unresolved placeholders are logged once per field.
func SubstituteBackend(b *BackendConfig, logger *zap.Logger) *BackendConfig {
	out := *b

	warn := func(field string, missing []string) {
		if len(missing) > 0 && logger != nil {
			logger.Warn("unresolved placeholders left intact",
				zap.String("backend", b.ID),
				zap.String("field", field),
				zap.Strings("placeholders", missing))
		}
	}

	var missing []string
	out.Command, missing = Substitute(b.Command, b.InputValues)
	warn("command", missing)
	out.URL, missing = Substitute(b.URL, b.InputValues)
	warn("url", missing)

	if len(b.Env) > 0 {
		out.Env = make(map[string]string, len(b.Env))
		for k, v := range b.Env {
			sub, miss := Substitute(v, b.InputValues)
			warn("env."+k, miss)
			out.Env[k] = sub
		}
	}
	return &out
}
