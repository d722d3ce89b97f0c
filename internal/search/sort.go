package search

import (
	"strconv"
	"strings"

	"doreen/api/internal/apperr"
	"doreen/api/internal/schema"
)

var sortKeywords = map[string]SortKind{
	"score":   SortScore,
	"created": SortCreated,
	"changed": SortChanged,
	"id":      SortID,
}

// ParseSort reads a sort parameter such as "priority", "-created" or
// "score". A leading "-" sorts descending, except that relevance always
// ranks best first. Fields may be named or given by id.
func ParseSort(reg *schema.Registry, raw string) (SortSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SortSpec{}, nil
	}
	desc := strings.HasPrefix(raw, "-")
	name := strings.ToLower(strings.TrimPrefix(raw, "-"))
	if kind, ok := sortKeywords[name]; ok {
		if kind == SortScore {
			desc = true
		}
		return SortSpec{Kind: kind, Descending: desc}, nil
	}
	if f, ok := fieldByName(reg, name); ok {
		return SortSpec{Kind: SortField, FieldID: f.ID, Descending: desc}, nil
	}
	if n, err := strconv.Atoi(name); err == nil {
		if _, ok := reg.Field(schema.FieldID(n)); ok {
			return SortSpec{Kind: SortField, FieldID: schema.FieldID(n), Descending: desc}, nil
		}
	}
	return SortSpec{}, apperr.InvalidFilter("unknown sort %q", raw)
}

// Param is the inverse of ParseSort.
func (s SortSpec) Param(reg *schema.Registry) string {
	var name string
	switch s.Kind {
	case SortDefault:
		return ""
	case SortScore:
		return "score"
	case SortField:
		name = strconv.Itoa(int(s.FieldID))
		if f, ok := reg.Field(s.FieldID); ok {
			name = f.Name
		}
	default:
		name = s.Kind.String()
	}
	if s.Descending {
		return "-" + name
	}
	return name
}

func fieldByName(reg *schema.Registry, name string) (schema.FieldDescriptor, bool) {
	for _, f := range reg.Fields() {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return schema.FieldDescriptor{}, false
}
