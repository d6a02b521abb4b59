package wire

import "strings"

// SplitTarget separates the path and query string components of a
// request-target (e.g. "/path?x=1&y=2"). No percent-decoding is
// performed.
func SplitTarget(target string) (path string, query string) {
	path = target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path, query = target[:i], target[i+1:]
	}
	return
}

// ParseQuery turns "a=1&b=2" into a flat map, without percent-decoding.
func ParseQuery(query string) map[string]string {
	m := make(map[string]string)
	if query == "" {
		return m
	}
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		k, v := parts[0], ""
		if len(parts) == 2 {
			v = parts[1]
		}
		m[k] = v
	}
	return m
}
