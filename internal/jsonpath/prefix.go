package jsonpath

import (
	"fmt"
	"strings"
)

// PrefixExecution rewrites the top-level key of a `$.`-rooted path with an
// execution-scoped namespace: `$.report` with counter 3 becomes
// `$.msg3_report`, preserving any trailing bracket or dot structure.
// Paths not rooted at `$.` (including the empty path) pass through unchanged.
func PrefixExecution(path string, counter int) string {
	if !strings.HasPrefix(path, "$.") {
		return path
	}
	rest := path[2:]
	if rest == "" {
		return path
	}
	prefix := fmt.Sprintf("msg%d_", counter)
	if strings.HasPrefix(rest, "[") {
		// `$.['key']...` form: prefix inside the quotes.
		close := strings.Index(rest, "]")
		if close < 0 {
			return path
		}
		inner := rest[1:close]
		if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') {
			quote := string(inner[0])
			key := inner[1 : len(inner)-1]
			if isExecutionPrefixed(key) {
				return path
			}
			return "$.[" + quote + prefix + key + quote + "]" + rest[close+1:]
		}
		return path
	}
	end := strings.IndexAny(rest, ".[")
	if end == -1 {
		end = len(rest)
	}
	key := rest[:end]
	if isExecutionPrefixed(key) {
		return path
	}
	return "$." + prefix + key + rest[end:]
}

// isExecutionPrefixed reports whether key already carries a msg<N>_ namespace.
func isExecutionPrefixed(key string) bool {
	if !strings.HasPrefix(key, "msg") {
		return false
	}
	rest := key[3:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	return i > 0 && i < len(rest) && rest[i] == '_'
}
