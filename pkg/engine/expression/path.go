// Package expression compiles and evaluates filter and sort expressions over
// JSON-like work item documents. Compiled expressions are pure and safe for
// concurrent use by many agents.
package expression

import (
	"strconv"
	"strings"
)

// pathPart is one component of a field path: a field name or an array index.
type pathPart struct {
	field   string
	index   int
	isIndex bool
}

// parsePath splits a path like "item.tags[0].name" into its parts.
func parsePath(path string) []pathPart {
	var parts []pathPart
	i := 0
	for i < len(path) {
		if path[i] == '.' {
			i++
			continue
		}
		if path[i] == '[' {
			close := strings.IndexByte(path[i:], ']')
			if close < 0 {
				// Unterminated index, treat the rest as a field name.
				parts = append(parts, pathPart{field: path[i:]})
				break
			}
			idx, err := strconv.Atoi(path[i+1 : i+close])
			if err == nil {
				parts = append(parts, pathPart{index: idx, isIndex: true})
			}
			i += close + 1
			continue
		}
		end := i
		for end < len(path) && path[end] != '.' && path[end] != '[' {
			end++
		}
		parts = append(parts, pathPart{field: path[i:end]})
		i = end
	}
	return parts
}

// resolvePath walks a path through a JSON-like document. The leading "item"
// segment addresses the document root, so "item.score" and "score" resolve
// identically. Missing fields and out-of-range indexes report ok=false, the
// typed absent value.
func resolvePath(doc interface{}, path string) (interface{}, bool) {
	parts := parsePath(path)
	if len(parts) > 0 && !parts[0].isIndex && parts[0].field == "item" {
		parts = parts[1:]
	}

	current := doc
	for _, part := range parts {
		if part.isIndex {
			arr, ok := current.([]interface{})
			if !ok || part.index < 0 || part.index >= len(arr) {
				return nil, false
			}
			current = arr[part.index]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part.field]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
