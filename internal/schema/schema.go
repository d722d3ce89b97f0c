// Package schema describes ticket fields and ticket types.
//
// Ticket data is sparse: every type uses a subset of the global field set,
// and field values live in several physical tables keyed by (ticket, field).
// A Registry is immutable once built; changing the schema means building a
// new Registry and swapping it in through a Holder.
package schema

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

type FieldID int

type TypeID int64

type FieldFlags int

const (
	FlagArray FieldFlags = 1 << iota
	FlagRequired
	FlagCustomSerialization
	FlagDrillDown
	FlagSearchBoost
	FlagSearchable
	FlagSortable
)

var flagNames = []struct {
	flag FieldFlags
	name string
}{
	{FlagArray, "array"},
	{FlagRequired, "required"},
	{FlagCustomSerialization, "custom"},
	{FlagDrillDown, "drilldown"},
	{FlagSearchBoost, "boost"},
	{FlagSearchable, "searchable"},
	{FlagSortable, "sortable"},
}

func (f FieldFlags) Has(flag FieldFlags) bool { return f&flag == flag }

func (f FieldFlags) String() string {
	var names []string
	for _, item := range flagNames {
		if f&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, ",")
}

func parseFlags(names []string) (FieldFlags, error) {
	var flags FieldFlags
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for _, item := range flagNames {
			if item.name == name {
				flags |= item.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown field flag %q", raw)
		}
	}
	return flags, nil
}

// Core field ids. Plugins use PluginFieldRange.
const (
	FieldTitle       FieldID = 1
	FieldDescription FieldID = 2
	FieldStatus      FieldID = 3
	FieldPriority    FieldID = 4
	FieldKeywords    FieldID = 5
	FieldParents     FieldID = 6
	FieldAttachments FieldID = 7
	FieldEstimate    FieldID = 8
	FieldDueDate     FieldID = 9
	FieldAssignee    FieldID = 10

	CoreFieldMax FieldID = 999
)

// PluginFieldRange returns the inclusive id range reserved for plugin n (n >= 1).
func PluginFieldRange(n int) (FieldID, FieldID) {
	low := FieldID(1000 * n)
	return low, low + 999
}

// Physical value tables.
const (
	TableInts     = "ticket_ints"
	TableFloats   = "ticket_floats"
	TableTexts    = "ticket_texts"
	TableParents  = "ticket_parents"
	TableBinaries = "ticket_binaries"
)

// IsValueTable reports whether table uses the generic (id, i, field_id, value) layout.
func IsValueTable(table string) bool {
	switch table {
	case TableInts, TableFloats, TableTexts:
		return true
	default:
		return false
	}
}

type FieldDescriptor struct {
	ID    FieldID
	Name  string
	Table string // empty for virtual fields
	// Ordering is the display weight; lower comes first.
	Ordering int
	Flags    FieldFlags
	// AliasOf points at the canonical field when this field is another
	// label for the same stored value.
	AliasOf FieldID
}

func (f FieldDescriptor) Virtual() bool { return f.Table == "" }

type TicketType struct {
	ID           TypeID
	Name         string
	DetailFields []FieldID
	ListFields   []FieldID
	WorkflowID   int64
}

// Scope narrows VisibleFields.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeList
	ScopeDetails
)

func (s Scope) String() string {
	switch s {
	case ScopeList:
		return "list"
	case ScopeDetails:
		return "details"
	default:
		return "all"
	}
}

func (t TicketType) Fields(scope Scope) []FieldID {
	switch scope {
	case ScopeList:
		return t.ListFields
	case ScopeDetails:
		return t.DetailFields
	default:
		out := slices.Clone(t.DetailFields)
		for _, id := range t.ListFields {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
		return out
	}
}

func formatFieldList(ids []FieldID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(int(id)))
	}
	return strings.Join(parts, ",")
}

func parseFieldList(raw string) ([]FieldID, error) {
	out := make([]FieldID, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse field list %q: %w", raw, err)
		}
		out = append(out, FieldID(n))
	}
	return out, nil
}

// Registry is the immutable field and type schema.
type Registry struct {
	fields map[FieldID]FieldDescriptor
	types  map[TypeID]TicketType
	order  []TypeID
}

// NewRegistry validates and indexes fields and types. Alias targets must
// exist and be canonical; types may only reference known fields.
func NewRegistry(fields []FieldDescriptor, types []TicketType) (*Registry, error) {
	reg := &Registry{
		fields: make(map[FieldID]FieldDescriptor, len(fields)),
		types:  make(map[TypeID]TicketType, len(types)),
	}
	for _, f := range fields {
		if f.ID <= 0 {
			return nil, fmt.Errorf("field %q: id must be positive", f.Name)
		}
		if _, dup := reg.fields[f.ID]; dup {
			return nil, fmt.Errorf("field %d registered twice", f.ID)
		}
		reg.fields[f.ID] = f
	}
	for id, f := range reg.fields {
		if f.AliasOf == 0 {
			continue
		}
		target, ok := reg.fields[f.AliasOf]
		if !ok {
			return nil, fmt.Errorf("field %d aliases unknown field %d", id, f.AliasOf)
		}
		if target.AliasOf != 0 {
			return nil, fmt.Errorf("field %d aliases field %d which is itself an alias", id, f.AliasOf)
		}
		// Aliases share the canonical storage.
		f.Table = target.Table
		reg.fields[id] = f
	}
	for _, t := range types {
		if _, dup := reg.types[t.ID]; dup {
			return nil, fmt.Errorf("ticket type %d registered twice", t.ID)
		}
		for _, id := range append(slices.Clone(t.DetailFields), t.ListFields...) {
			if _, ok := reg.fields[id]; !ok {
				return nil, fmt.Errorf("ticket type %q references unknown field %d", t.Name, id)
			}
		}
		reg.types[t.ID] = t
		reg.order = append(reg.order, t.ID)
	}
	slices.Sort(reg.order)
	return reg, nil
}

func (r *Registry) Field(id FieldID) (FieldDescriptor, bool) {
	f, ok := r.fields[id]
	return f, ok
}

func (r *Registry) Type(id TypeID) (TicketType, bool) {
	t, ok := r.types[id]
	return t, ok
}

func (r *Registry) Types() []TicketType {
	out := make([]TicketType, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.types[id])
	}
	return out
}

func (r *Registry) Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, f)
	}
	sortFields(out)
	return out
}

// Canonical resolves an alias to the field that owns the stored value.
func (r *Registry) Canonical(id FieldID) FieldID {
	if f, ok := r.fields[id]; ok && f.AliasOf != 0 {
		return f.AliasOf
	}
	return id
}

// Aliases returns the fields that alias id, sorted.
func (r *Registry) Aliases(id FieldID) []FieldID {
	var out []FieldID
	for fid, f := range r.fields {
		if f.AliasOf == id {
			out = append(out, fid)
		}
	}
	slices.Sort(out)
	return out
}

// TypeHasField reports whether the type declares id, or an alias of it, in scope.
func (r *Registry) TypeHasField(typeID TypeID, id FieldID, scope Scope) bool {
	t, ok := r.types[typeID]
	if !ok {
		return false
	}
	canonical := r.Canonical(id)
	for _, fid := range t.Fields(scope) {
		if r.Canonical(fid) == canonical {
			return true
		}
	}
	return false
}

// VisibleFields merges the fields of the given types in scope. Aliased fields
// collapse onto their canonical descriptor; the result is ordered by display
// weight, then id.
func (r *Registry) VisibleFields(typeIDs []TypeID, scope Scope) []FieldDescriptor {
	seen := make(map[FieldID]bool)
	var out []FieldDescriptor
	for _, typeID := range typeIDs {
		t, ok := r.types[typeID]
		if !ok {
			continue
		}
		for _, id := range t.Fields(scope) {
			canonical := r.Canonical(id)
			if seen[canonical] {
				continue
			}
			f, ok := r.fields[canonical]
			if !ok {
				continue
			}
			seen[canonical] = true
			out = append(out, f)
		}
	}
	sortFields(out)
	return out
}

func sortFields(fields []FieldDescriptor) {
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].Ordering != fields[j].Ordering {
			return fields[i].Ordering < fields[j].Ordering
		}
		return fields[i].ID < fields[j].ID
	})
}
