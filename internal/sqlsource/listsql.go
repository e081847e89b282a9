package sqlsource

import (
	"fmt"
	"strings"

	"github.com/roach88/recsync/internal/value"
)

// compileList compiles a windowed list definition to parameterized SQL
// returning the ids of the list in order.
//
// Filter attributes are compared with json_extract; values are always
// bound as parameters, never interpolated. Every list is ordered with id
// as the final tiebreaker so the same data always yields the same list.
func compileList(typ string, filter value.Object, sortBy []string) (string, []any, error) {
	var b strings.Builder
	params := []any{typ}
	b.WriteString("SELECT id FROM records WHERE type = ?")

	for _, attr := range filter.SortedKeys() {
		path, err := jsonPath(attr)
		if err != nil {
			return "", nil, err
		}
		clause, args, err := compileEquals(path, filter[attr])
		if err != nil {
			return "", nil, fmt.Errorf("filter %q: %w", attr, err)
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
		params = append(params, args...)
	}

	b.WriteString(" ORDER BY ")
	for _, attr := range sortBy {
		dir := "ASC"
		if name, ok := strings.CutPrefix(attr, "-"); ok {
			attr, dir = name, "DESC"
		}
		path, err := jsonPath(attr)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, "json_extract(data, ?) %s, ", dir)
		params = append(params, path)
	}
	b.WriteString("id COLLATE BINARY ASC")
	return b.String(), params, nil
}

// compileEquals compiles "attribute equals v". Null matches a missing
// attribute too; arrays and objects compare by canonical JSON text.
func compileEquals(path string, v value.Value) (string, []any, error) {
	switch val := v.(type) {
	case nil, value.Null:
		return "json_extract(data, ?) IS NULL", []any{path}, nil
	case value.String:
		return "json_extract(data, ?) = ?", []any{path, string(val)}, nil
	case value.Int:
		return "json_extract(data, ?) = ?", []any{path, int64(val)}, nil
	case value.Float:
		return "json_extract(data, ?) = ?", []any{path, float64(val)}, nil
	case value.Bool:
		// json_extract yields 1 and 0 for JSON booleans.
		n := 0
		if val {
			n = 1
		}
		return "json_extract(data, ?) = ?", []any{path, n}, nil
	case value.Array, value.Object:
		text, err := value.MarshalCanonical(val)
		if err != nil {
			return "", nil, err
		}
		return "json_extract(data, ?) = json(?)", []any{path, string(text)}, nil
	default:
		return "", nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// jsonPath returns the SQLite JSON path of a top-level attribute.
func jsonPath(attr string) (string, error) {
	if attr == "" || strings.ContainsAny(attr, `"\`) {
		return "", fmt.Errorf("unsupported attribute name %q", attr)
	}
	return `$."` + attr + `"`, nil
}
