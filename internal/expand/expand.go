// Package expand substitutes ${name} references in configuration values.
package expand

import (
	"os"
	"regexp"
	"strings"
)

var reference = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)(:-[^}]*)?\}`)

// Expand replaces every ${name} in v with mapping(name). A reference written
// as ${name:-fallback} yields fallback when mapping returns the empty string.
func Expand(v string, mapping func(string) string) string {
	return reference.ReplaceAllStringFunc(v, func(s string) string {
		m := reference.FindStringSubmatch(s)
		if r := mapping(m[1]); r != "" || m[2] == "" {
			return r
		}
		return m[2][2:]
	})
}

// Env resolves "env.NAME" keys from the process environment. Other keys
// expand to the empty string.
func Env(key string) string {
	name, ok := strings.CutPrefix(key, "env.")
	if !ok {
		return ""
	}
	return os.Getenv(name)
}

// ExpandEnv expands each of the given strings in place with Env.
func ExpandEnv(vs ...*string) {
	for _, v := range vs {
		*v = Expand(*v, Env)
	}
}
