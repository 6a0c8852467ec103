package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// WhereClause represents a parsed routing condition such as "type=click"
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // Compiled regex for ~ and !~ operators
}

// ParseWhereClause parses a where clause like "type=click" or "page~/checkout"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// Try operators in order of length (longest first to avoid partial matches)
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx > 0 {
			field := strings.TrimSpace(clause[:idx])
			value := strings.TrimSpace(clause[idx+len(op):])

			if field == "" || value == "" {
				return nil, fmt.Errorf("invalid where clause: %s", clause)
			}

			wc := &WhereClause{
				Field:    field,
				Operator: op,
				Value:    value,
			}

			switch op {
			case "~", "!~":
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
				}
				wc.regex = re
			case ">=", "<=":
				if _, err := strconv.ParseFloat(value, 64); err != nil {
					return nil, fmt.Errorf("where clause '%s' compares against a non-number", clause)
				}
			}

			return wc, nil
		}
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

// Match checks if an event matches this where clause
func (wc *WhereClause) Match(ev *domain.Event) bool {
	fieldValue := wc.getFieldValue(ev)

	switch wc.Operator {
	case "=":
		return fieldValue == wc.Value
	case "!=":
		return fieldValue != wc.Value
	case "~":
		return wc.regex.MatchString(fieldValue)
	case "!~":
		return !wc.regex.MatchString(fieldValue)
	case "^":
		return strings.HasPrefix(fieldValue, wc.Value)
	case "$":
		return strings.HasSuffix(fieldValue, wc.Value)
	case ">=", "<=":
		return wc.compareNumber(fieldValue)
	}

	return false
}

// getFieldValue extracts the field value from an event. Properties are
// addressed as "prop.<name>".
func (wc *WhereClause) getFieldValue(ev *domain.Event) string {
	field := strings.ToLower(wc.Field)
	if name, ok := strings.CutPrefix(wc.Field, "prop."); ok {
		v, found := ev.Properties[name]
		if !found || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	switch field {
	case "type", "kind":
		return string(ev.Kind)
	case "name":
		return ev.Name
	case "page", "pageurl":
		return ev.PageURL
	case "from", "fromurl":
		return ev.FromURL
	case "session", "sessionid":
		return ev.SessionID
	case "user", "userid":
		return ev.UserID
	case "trigger":
		return string(ev.Trigger)
	case "timestamp":
		return strconv.FormatInt(ev.Timestamp, 10)
	default:
		return ""
	}
}

// compareNumber handles >= and <= against numeric fields
func (wc *WhereClause) compareNumber(fieldValue string) bool {
	got, err := strconv.ParseFloat(fieldValue, 64)
	if err != nil {
		return false
	}
	want, _ := strconv.ParseFloat(wc.Value, 64)
	if wc.Operator == ">=" {
		return got >= want
	}
	return got <= want
}

// WhereFilter is a filter that applies multiple where clauses (AND logic)
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter creates a filter from multiple where clause strings
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}

	filter := &WhereFilter{}
	for _, clause := range whereClauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		filter.clauses = append(filter.clauses, wc)
	}

	return filter, nil
}

// Match returns true if the event matches ALL where clauses (AND logic)
func (f *WhereFilter) Match(ev *domain.Event) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(ev) {
			return false
		}
	}
	return true
}
