// Provides filtering logic for records.

package query

import (
	"encoding/json"
	"strconv"
	"strings"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// Filter defines a condition for filtering records.
type Filter struct {
	Property string   `json:"property,omitempty"`
	Operator FilterOp `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	// Compound filters (mutually exclusive with Property/Operator/Value)
	And []Filter `json:"and,omitempty"`
	Or  []Filter `json:"or,omitempty"`
}

// FilterOp defines the comparison operator for a filter.
type FilterOp string

const (
	// FilterOpEquals matches if value equals the filter value.
	FilterOpEquals FilterOp = "equals"
	// FilterOpNotEquals matches if value does not equal the filter value.
	FilterOpNotEquals FilterOp = "not_equals"
	// FilterOpContains matches if value contains the filter value (text).
	FilterOpContains FilterOp = "contains"
	// FilterOpNotContains matches if value does not contain the filter value.
	FilterOpNotContains FilterOp = "not_contains"
	// FilterOpStartsWith matches if value starts with the filter value.
	FilterOpStartsWith FilterOp = "starts_with"
	// FilterOpEndsWith matches if value ends with the filter value.
	FilterOpEndsWith FilterOp = "ends_with"
	// FilterOpGreaterThan matches if value is greater than the filter value.
	FilterOpGreaterThan FilterOp = "gt"
	// FilterOpLessThan matches if value is less than the filter value.
	FilterOpLessThan FilterOp = "lt"
	// FilterOpGreaterEqual matches if value is greater than or equal to the filter value.
	FilterOpGreaterEqual FilterOp = "gte"
	// FilterOpLessEqual matches if value is less than or equal to the filter value.
	FilterOpLessEqual FilterOp = "lte"
	// FilterOpIsEmpty matches if value is empty/null.
	FilterOpIsEmpty FilterOp = "is_empty"
	// FilterOpIsNotEmpty matches if value is not empty/null.
	FilterOpIsNotEmpty FilterOp = "is_not_empty"
)

// Predicate returns the filter as a Predicate.
func (f *Filter) Predicate() Predicate {
	return func(record any) bool {
		return f.Match(record)
	}
}

// Match reports whether record satisfies the filter.
func (f *Filter) Match(record any) bool {
	if len(f.And) > 0 {
		for i := range f.And {
			if !f.And[i].Match(record) {
				return false
			}
		}
		return true
	}
	if len(f.Or) > 0 {
		for i := range f.Or {
			if f.Or[i].Match(record) {
				return true
			}
		}
		return false
	}
	if f.Property == "" {
		return true
	}
	value, ok := Value(record, f.Property)
	if !ok {
		// Property not set - only match is_empty
		return f.Operator == FilterOpIsEmpty
	}
	return matchesOperator(value, f.Operator, f.Value)
}

func matchesOperator(value any, op FilterOp, filterValue any) bool {
	switch op {
	case FilterOpIsEmpty:
		return isEmpty(value)
	case FilterOpIsNotEmpty:
		return !isEmpty(value)
	case FilterOpContains:
		return strings.Contains(lower(value), lower(filterValue))
	case FilterOpNotContains:
		return !strings.Contains(lower(value), lower(filterValue))
	case FilterOpStartsWith:
		return strings.HasPrefix(lower(value), lower(filterValue))
	case FilterOpEndsWith:
		return strings.HasSuffix(lower(value), lower(filterValue))
	}
	if value == nil || filterValue == nil {
		switch op {
		case FilterOpEquals:
			return value == nil && filterValue == nil
		case FilterOpNotEquals:
			return (value == nil) != (filterValue == nil)
		default:
			return false
		}
	}
	c := Compare(value, filterValue)
	switch op {
	case FilterOpEquals:
		return c == 0
	case FilterOpNotEquals:
		return c != 0
	case FilterOpGreaterThan:
		return c > 0
	case FilterOpLessThan:
		return c < 0
	case FilterOpGreaterEqual:
		return c >= 0
	case FilterOpLessEqual:
		return c <= 0
	default:
		return false
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func lower(v any) string {
	return strings.ToLower(toString(v))
}

// parseOps is ordered so that two-character operators are tried first.
var parseOps = []struct {
	token string
	op    FilterOp
}{
	{"!=", FilterOpNotEquals},
	{">=", FilterOpGreaterEqual},
	{"<=", FilterOpLessEqual},
	{"~=", FilterOpContains},
	{"^=", FilterOpStartsWith},
	{"$=", FilterOpEndsWith},
	{"=", FilterOpEquals},
	{">", FilterOpGreaterThan},
	{"<", FilterOpLessThan},
}

// ParseFilter parses a single condition such as "name=A", "age>=3",
// "title~=draft", "owner?" (is not empty) or "!owner" (is empty).
//
// Values that parse as JSON numbers or booleans are typed accordingly,
// everything else is a string.
func ParseFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, dberrors.Validation("empty filter expression")
	}
	if p, ok := strings.CutPrefix(expr, "!"); ok && isPath(p) {
		return &Filter{Property: p, Operator: FilterOpIsEmpty}, nil
	}
	if p, ok := strings.CutSuffix(expr, "?"); ok && isPath(p) {
		return &Filter{Property: p, Operator: FilterOpIsNotEmpty}, nil
	}
	best, bestOp := -1, parseOps[0]
	for _, o := range parseOps {
		i := strings.Index(expr, o.token)
		if i < 0 {
			continue
		}
		// Earliest operator wins; on the same position the longer one, which
		// comes first in parseOps.
		if best < 0 || i < best {
			best, bestOp = i, o
		}
	}
	if best <= 0 {
		return nil, dberrors.Validation("invalid filter expression %q", expr)
	}
	prop := strings.TrimSpace(expr[:best])
	if !isPath(prop) {
		return nil, dberrors.Validation("invalid property %q in filter %q", prop, expr)
	}
	return &Filter{
		Property: prop,
		Operator: bestOp.op,
		Value:    parseValue(strings.TrimSpace(expr[best+len(bestOp.token):])),
	}, nil
}

// ParseFilters parses each expression and combines them with AND.
func ParseFilters(exprs []string) (*Filter, error) {
	if len(exprs) == 1 {
		return ParseFilter(exprs[0])
	}
	f := &Filter{}
	for _, e := range exprs {
		sub, err := ParseFilter(e)
		if err != nil {
			return nil, err
		}
		f.And = append(f.And, *sub)
	}
	return f, nil
}

func isPath(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '.' && r != '_' && r != '-' && !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') {
			return false
		}
	}
	return true
}

func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return json.Number(s)
	}
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}
