package util

import (
	"os"
	"strings"
)

// ExpandParams substitutes ${name} references with values from params.
// Unknown references are left untouched so the engine can report them
// verbatim instead of silently producing an empty path.
func ExpandParams(s string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := params[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
