package expression

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tigerroll/crest/pkg/engine/support/exception"
)

// SortOrder is the direction of one sort key.
type SortOrder int

const (
	// Ascending orders smallest first.
	Ascending SortOrder = iota
	// Descending orders largest first.
	Descending
)

// NullPosition controls where null/missing values sort.
type NullPosition int

const (
	// NullsLast places null and missing values after all others.
	NullsLast NullPosition = iota
	// NullsFirst places null and missing values before all others.
	NullsFirst
)

// sortKey is one parsed key of a sort expression.
type sortKey struct {
	path  string
	order SortOrder
	nulls NullPosition
}

// CompiledSort is a parsed, reusable multi-key sort expression. Compare is
// pure and safe for concurrent use.
type CompiledSort struct {
	source string
	keys   []sortKey
}

// Source returns the original expression text.
func (s *CompiledSort) Source() string {
	return s.source
}

// CompileSort parses a sort expression of comma-separated keys, each with an
// optional ASC/DESC (default ASC) and optional NULLS FIRST/NULLS LAST
// (default last), e.g. "item.priority DESC, item.name ASC NULLS FIRST".
func CompileSort(text string) (*CompiledSort, error) {
	var keys []sortKey
	for _, spec := range strings.Split(text, ",") {
		parts := strings.Fields(spec)
		if len(parts) == 0 {
			continue
		}

		key := sortKey{path: parts[0], order: Ascending, nulls: NullsLast}
		i := 1
		if i < len(parts) {
			switch strings.ToUpper(parts[i]) {
			case "DESC", "DESCENDING":
				key.order = Descending
				i++
			case "ASC", "ASCENDING":
				i++
			}
		}
		if i < len(parts) && strings.ToUpper(parts[i]) == "NULLS" {
			i++
			if i >= len(parts) {
				return nil, exception.NewCompileError(moduleName,
					fmt.Sprintf("sort key %q: NULLS must be followed by FIRST or LAST", spec), nil)
			}
			switch strings.ToUpper(parts[i]) {
			case "FIRST":
				key.nulls = NullsFirst
			case "LAST":
				key.nulls = NullsLast
			default:
				return nil, exception.NewCompileError(moduleName,
					fmt.Sprintf("sort key %q: invalid null position %q, use NULLS FIRST or NULLS LAST", spec, parts[i]), nil)
			}
			i++
		}
		if i < len(parts) {
			return nil, exception.NewCompileError(moduleName,
				fmt.Sprintf("sort key %q: unexpected trailing token %q", spec, parts[i]), nil)
		}

		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, exception.NewCompileError(moduleName, "no sort fields specified", nil)
	}
	return &CompiledSort{source: text, keys: keys}, nil
}

// Compare orders two JSON-like documents by the sort keys in listed order.
// It returns a negative value when a sorts before b, positive when after,
// and 0 on a full tie; callers use a stable sort so ties keep input order.
func (s *CompiledSort) Compare(a, b interface{}) int {
	for _, key := range s.keys {
		av, aok := resolvePath(a, key.path)
		bv, bok := resolvePath(b, key.path)

		c := compareWithNulls(av, aok, bv, bok, key.nulls)
		if key.order == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Sort stably sorts a slice of documents in place.
func (s *CompiledSort) Sort(items []interface{}) {
	sort.SliceStable(items, func(i, j int) bool {
		return s.Compare(items[i], items[j]) < 0
	})
}

// compareWithNulls applies the null-position rule before value comparison.
// Missing fields are treated as null.
func compareWithNulls(a interface{}, aok bool, b interface{}, bok bool, nulls NullPosition) int {
	aNull := !aok || a == nil
	bNull := !bok || b == nil

	switch {
	case aNull && bNull:
		return 0
	case aNull:
		if nulls == NullsFirst {
			return -1
		}
		return 1
	case bNull:
		if nulls == NullsFirst {
			return 1
		}
		return -1
	default:
		return compareValues(a, b)
	}
}

// compareValues orders two non-null JSON values. Same-type values compare
// naturally (arrays and objects by size); differing types order as
// bool < number < string < array < object.
func compareValues(a, b interface{}) int {
	at, bt := typeRank(a), typeRank(b)
	if at != bt {
		return at - bt
	}

	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	case []interface{}:
		return len(av) - len(b.([]interface{}))
	case map[string]interface{}:
		return len(av) - len(b.(map[string]interface{}))
	default:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
}

// typeRank assigns the cross-type ordering: null < bool < number < string <
// array < object.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	case []interface{}:
		return 4
	case map[string]interface{}:
		return 5
	default:
		if _, ok := toFloat(v); ok {
			return 2
		}
		return 6
	}
}
