package schema_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"doreen/api/internal/schema"
	"doreen/api/internal/store/storetest"
)

const mergedYAML = `
fields:
  - {id: 1, name: title, table: ticket_texts, ordering: 10, flags: [searchable]}
  - {id: 3, name: status, table: ticket_ints, ordering: 20, flags: [drilldown]}
  - {id: 4, name: priority, table: ticket_ints, ordering: 30, flags: [drilldown, sortable]}
  - {id: 1001, name: urgency, ordering: 5, alias_of: 4}
  - {id: 1002, name: grade, table: ticket_ints, ordering: 30}
  - {id: 1003, name: score, ordering: 99}
types:
  - {id: 1, name: Task, details: [1, 3, 4], list: [1, 4]}
  - {id: 7, name: Exam, details: [1, 1001, 1002, 1003], list: [1001, 1002, 1]}
`

func parse(t *testing.T, doc string) *schema.Registry {
	t.Helper()
	reg, err := schema.ParseYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	return reg
}

func ids(fields []schema.FieldDescriptor) []schema.FieldID {
	out := make([]schema.FieldID, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.ID)
	}
	return out
}

func TestVisibleFields(t *testing.T) {
	reg := parse(t, mergedYAML)

	cases := []struct {
		name  string
		types []schema.TypeID
		scope schema.Scope
		want  []schema.FieldID
	}{
		{name: "single type list", types: []schema.TypeID{1}, scope: schema.ScopeList, want: []schema.FieldID{1, 4}},
		{name: "single type details", types: []schema.TypeID{1}, scope: schema.ScopeDetails, want: []schema.FieldID{1, 3, 4}},
		// urgency aliases priority, so the merged list shows one column.
		{name: "merged list", types: []schema.TypeID{1, 7}, scope: schema.ScopeList, want: []schema.FieldID{1, 4, 1002}},
		{name: "merged list reversed", types: []schema.TypeID{7, 1}, scope: schema.ScopeList, want: []schema.FieldID{1, 4, 1002}},
		{name: "all scope", types: []schema.TypeID{7}, scope: schema.ScopeAll, want: []schema.FieldID{1, 4, 1002, 1003}},
		{name: "unknown type ignored", types: []schema.TypeID{42}, scope: schema.ScopeAll, want: []schema.FieldID{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ids(reg.VisibleFields(tc.types, tc.scope))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("VisibleFields() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAliasResolution(t *testing.T) {
	reg := parse(t, mergedYAML)

	if got := reg.Canonical(1001); got != 4 {
		t.Fatalf("Canonical(1001) = %d, want 4", got)
	}
	if got := reg.Canonical(3); got != 3 {
		t.Fatalf("Canonical(3) = %d, want 3", got)
	}
	alias, _ := reg.Field(1001)
	if alias.Table != schema.TableInts {
		t.Fatalf("alias table = %q, want %q", alias.Table, schema.TableInts)
	}
	if diff := cmp.Diff([]schema.FieldID{1001}, reg.Aliases(4)); diff != "" {
		t.Fatalf("Aliases(4) mismatch:\n%s", diff)
	}
	if !reg.TypeHasField(7, 4, schema.ScopeDetails) {
		t.Fatal("Exam should expose priority through its alias")
	}
	if reg.TypeHasField(1, 1002, schema.ScopeAll) {
		t.Fatal("Task must not expose grade")
	}
	score, _ := reg.Field(1003)
	if !score.Virtual() {
		t.Fatal("score should be virtual")
	}
}

func TestNewRegistryRejectsInconsistentSchemas(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "alias target missing", doc: "fields:\n  - {id: 2, name: a, alias_of: 9}\n"},
		{name: "alias chain", doc: "fields:\n  - {id: 1, name: a, table: ticket_ints}\n  - {id: 2, name: b, alias_of: 1}\n  - {id: 3, name: c, alias_of: 2}\n"},
		{name: "type with unknown field", doc: "fields:\n  - {id: 1, name: a}\ntypes:\n  - {id: 1, name: T, details: [2]}\n"},
		{name: "duplicate field", doc: "fields:\n  - {id: 1, name: a}\n  - {id: 1, name: b}\n"},
		{name: "unknown flag", doc: "fields:\n  - {id: 1, name: a, flags: [shiny]}\n"},
		{name: "unknown key", doc: "fields:\n  - {id: 1, name: a, colour: red}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := schema.ParseYAML(strings.NewReader(tc.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSeedAndLoadRoundTrip(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	reg := parse(t, mergedYAML)

	if err := schema.Seed(ctx, db, reg); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if err := schema.Seed(ctx, db, reg); err == nil {
		t.Fatal("second Seed() should refuse a populated schema")
	}

	loaded, err := schema.Load(ctx, db)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(reg.Fields(), loaded.Fields()); diff != "" {
		t.Fatalf("fields mismatch (-seeded +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(reg.Types(), loaded.Types()); diff != "" {
		t.Fatalf("types mismatch (-seeded +loaded):\n%s", diff)
	}
}

func TestHolderReload(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	holder := schema.NewHolder(db, schema.Core())
	if _, ok := holder.Get().Type(1); !ok {
		t.Fatal("core schema should define type 1")
	}

	storetest.MustExec(t, db, `INSERT INTO ticket_fields (i, name, tblname, ordering, fl) VALUES (1, 'title', 'ticket_texts', 1, 0)`)
	storetest.MustExec(t, db, `INSERT INTO ticket_types (i, name, details_fields, list_fields) VALUES (9, 'Note', '1', '1')`)
	if _, err := holder.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, ok := holder.Get().Type(9); !ok {
		t.Fatal("reloaded schema should define type 9")
	}
	if _, ok := holder.Get().Type(1); ok {
		t.Fatal("reloaded schema should replace the previous one")
	}
}

func TestCoreSchema(t *testing.T) {
	reg := schema.Core()
	title, ok := reg.Field(schema.FieldTitle)
	if !ok || !title.Flags.Has(schema.FlagSearchable|schema.FlagSortable) {
		t.Fatalf("title = %+v", title)
	}
	parents, _ := reg.Field(schema.FieldParents)
	if !parents.Flags.Has(schema.FlagCustomSerialization) {
		t.Fatal("parents must use custom serialization")
	}
	if got := title.Flags.String(); got != "required,boost,searchable,sortable" {
		t.Fatalf("Flags.String() = %q", got)
	}
	low, high := schema.PluginFieldRange(2)
	if low != 2000 || high != 2999 {
		t.Fatalf("PluginFieldRange(2) = %d, %d", low, high)
	}
}
