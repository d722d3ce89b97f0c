package ticket_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
	"doreen/api/internal/store"
	"doreen/api/internal/store/storetest"
	"doreen/api/internal/ticket"
)

const (
	typeTask = 1
	typeWiki = 2

	// aclOpen grants everything to staff, aclReadOnly only reading.
	aclOpen     = 1
	aclReadOnly = 2

	groupStaff = 30

	alice = access.UserID(10)
)

type fixture struct {
	db        *store.DB
	reg       *schema.Registry
	assembler *ticket.Assembler
	writer    *ticket.Writer
	resolver  *access.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	reg := storetest.CoreSchema(t, db)
	storetest.ACLs(t, db, aclOpen, aclReadOnly)
	storetest.Group(t, db, groupStaff, "Staff")
	storetest.Grant(t, db, aclOpen, groupStaff, int(access.PermAll))
	storetest.Grant(t, db, aclOpen, int64(access.GroupAllUsers), int(access.PermRead))
	storetest.Grant(t, db, aclReadOnly, int64(access.GroupAllUsers), int(access.PermRead))
	storetest.User(t, db, int64(alice), "alice", groupStaff)

	handlers := fields.NewDefaultRegistry()
	resolver := access.NewResolver(access.NewSQLStore(db))
	return &fixture{
		db:        db,
		reg:       reg,
		assembler: ticket.NewAssembler(db, reg, handlers),
		writer:    ticket.NewWriter(db, reg, handlers, resolver),
		resolver:  resolver,
	}
}

func (f *fixture) ticket(t *testing.T, tk storetest.Ticket) {
	t.Helper()
	if tk.TypeID == 0 {
		tk.TypeID = typeTask
	}
	if tk.ACL == 0 {
		tk.ACL = aclOpen
	}
	storetest.InsertTicket(t, f.db, f.reg, tk)
}

func (f *fixture) principal(t *testing.T, uid access.UserID) access.Principal {
	t.Helper()
	p, err := f.resolver.Principal(context.Background(), uid)
	if err != nil {
		t.Fatalf("Principal(%d) error = %v", uid, err)
	}
	return p
}

func (f *fixture) populate(t *testing.T, id int64, level ticket.PopulationLevel) *ticket.Ticket {
	t.Helper()
	tk, err := f.assembler.Populate(context.Background(), id, level)
	if err != nil {
		t.Fatalf("Populate(%d) error = %v", id, err)
	}
	return tk
}

func sortedKeys(m map[int64]*ticket.Ticket) []int64 {
	keys := make([]int64, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	slices.Sort(keys)
	return keys
}

func TestPopulateManySkipsTicketsDeletedAfterSearch(t *testing.T) {
	f := newFixture(t)
	f.ticket(t, storetest.Ticket{ID: 5, Values: map[schema.FieldID]any{schema.FieldTitle: "gone soon"}})
	f.ticket(t, storetest.Ticket{ID: 6, Values: map[schema.FieldID]any{schema.FieldTitle: "stays"}})

	// The search already returned [5, 6] when ticket 5 disappears.
	storetest.MustExec(t, f.db, `DELETE FROM ticket_texts WHERE i = 5`)
	storetest.MustExec(t, f.db, `DELETE FROM tickets WHERE i = 5`)

	got, err := f.assembler.PopulateMany(context.Background(), []int64{5, 6}, nil, ticket.List)
	if err != nil {
		t.Fatalf("PopulateMany() error = %v", err)
	}
	if diff := cmp.Diff([]int64{6}, sortedKeys(got)); diff != "" {
		t.Fatalf("PopulateMany() ids mismatch (-want +got):\n%s", diff)
	}
	if got[6].Title != "stays" {
		t.Fatalf("ticket 6 title = %q, want %q", got[6].Title, "stays")
	}

	if _, err := f.assembler.Populate(context.Background(), 5, ticket.Details); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Populate(5) error = %v, want ErrNotFound", err)
	}
}

func TestPopulateLevels(t *testing.T) {
	f := newFixture(t)
	f.ticket(t, storetest.Ticket{ID: 2, Values: map[schema.FieldID]any{schema.FieldTitle: "parent"}})
	f.ticket(t, storetest.Ticket{ID: 1, Values: map[schema.FieldID]any{
		schema.FieldTitle:       "Printer jams",
		schema.FieldDescription: "Paper *everywhere*",
		schema.FieldStatus:      int64(2),
		schema.FieldPriority:    int64(3),
		schema.FieldKeywords:    []string{"hardware", "office"},
		schema.FieldEstimate:    2.5,
		schema.FieldParents:     []int64{2},
		schema.FieldAttachments: []string{"jam.jpg"},
	}})

	list := f.populate(t, 1, ticket.List)
	wantList := map[schema.FieldID]fields.Value{
		schema.FieldTitle:    "Printer jams",
		schema.FieldStatus:   int64(2),
		schema.FieldPriority: int64(3),
	}
	if diff := cmp.Diff(wantList, list.Values); diff != "" {
		t.Fatalf("list values mismatch (-want +got):\n%s", diff)
	}
	if list.Level != ticket.List {
		t.Fatalf("Level = %v, want list", list.Level)
	}

	details := f.populate(t, 1, ticket.Details)
	wantDetails := map[schema.FieldID]fields.Value{
		schema.FieldTitle:       "Printer jams",
		schema.FieldDescription: "Paper *everywhere*",
		schema.FieldStatus:      int64(2),
		schema.FieldPriority:    int64(3),
		schema.FieldKeywords:    []fields.Value{"hardware", "office"},
		schema.FieldEstimate:    2.5,
		schema.FieldParents:     []int64{2},
		schema.FieldAttachments: []fields.AttachmentMeta{{ID: 1, Filename: "jam.jpg", Mime: "application/octet-stream", Size: 1}},
	}
	if diff := cmp.Diff(wantDetails, details.Values); diff != "" {
		t.Fatalf("details values mismatch (-want +got):\n%s", diff)
	}
	if details.Created != 1_700_000_001 || details.ACLID != aclOpen || details.TypeID != typeTask {
		t.Fatalf("core columns = %+v", details)
	}
}

func TestPopulateDropsFieldsTheTypeDoesNotDeclare(t *testing.T) {
	f := newFixture(t)
	// Wiki pages have no status; a stray row must not surface.
	f.ticket(t, storetest.Ticket{ID: 1, TypeID: typeWiki, Values: map[schema.FieldID]any{
		schema.FieldTitle:    "Howto",
		schema.FieldStatus:   int64(1),
		schema.FieldKeywords: []string{"docs"},
	}})
	f.ticket(t, storetest.Ticket{ID: 2, Values: map[schema.FieldID]any{
		schema.FieldTitle:    "Task",
		schema.FieldStatus:   int64(1),
		schema.FieldKeywords: []string{"ops"},
	}})

	got, err := f.assembler.PopulateMany(context.Background(), []int64{1, 2}, nil, ticket.List)
	if err != nil {
		t.Fatalf("PopulateMany() error = %v", err)
	}
	wantWiki := map[schema.FieldID]fields.Value{
		schema.FieldTitle:    "Howto",
		schema.FieldKeywords: []fields.Value{"docs"},
	}
	if diff := cmp.Diff(wantWiki, got[1].Values); diff != "" {
		t.Fatalf("wiki values mismatch (-want +got):\n%s", diff)
	}
	wantTask := map[schema.FieldID]fields.Value{
		schema.FieldTitle:  "Task",
		schema.FieldStatus: int64(1),
	}
	if diff := cmp.Diff(wantTask, got[2].Values); diff != "" {
		t.Fatalf("task values mismatch (-want +got):\n%s", diff)
	}
}

func TestPopulateIsRepeatable(t *testing.T) {
	f := newFixture(t)
	for id := int64(1); id <= 4; id++ {
		f.ticket(t, storetest.Ticket{ID: id, Values: map[schema.FieldID]any{
			schema.FieldTitle:    "ticket",
			schema.FieldKeywords: []string{"b", "a"},
			schema.FieldParents:  []int64{id + 10, id + 20},
		}})
	}
	ids := []int64{4, 2, 2, 1, 3}
	first, err := f.assembler.PopulateMany(context.Background(), ids, nil, ticket.Details)
	if err != nil {
		t.Fatalf("PopulateMany() error = %v", err)
	}
	second, err := f.assembler.PopulateMany(context.Background(), ids, nil, ticket.Details)
	if err != nil {
		t.Fatalf("PopulateMany() error = %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second population differs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 2, 3, 4}, sortedKeys(first)); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{13, 23}, first[3].Values[schema.FieldParents]); diff != "" {
		t.Fatalf("parents mismatch (-want +got):\n%s", diff)
	}
}

func TestPopulateManyWithExplicitColumns(t *testing.T) {
	f := newFixture(t)
	f.ticket(t, storetest.Ticket{ID: 1, Values: map[schema.FieldID]any{
		schema.FieldTitle:    "Printer jams",
		schema.FieldPriority: int64(3),
		schema.FieldStatus:   int64(1),
	}})
	priority, _ := f.reg.Field(schema.FieldPriority)

	got, err := f.assembler.PopulateMany(context.Background(), []int64{1}, []schema.FieldDescriptor{priority}, ticket.List)
	if err != nil {
		t.Fatalf("PopulateMany() error = %v", err)
	}
	want := map[schema.FieldID]fields.Value{schema.FieldPriority: int64(3)}
	if diff := cmp.Diff(want, got[1].Values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if got[1].Title != "Printer jams" {
		t.Fatalf("Title = %q, want the core title regardless of columns", got[1].Title)
	}
}

func TestPopulateManyEmpty(t *testing.T) {
	f := newFixture(t)
	got, err := f.assembler.PopulateMany(context.Background(), nil, nil, ticket.List)
	if err != nil || len(got) != 0 {
		t.Fatalf("PopulateMany(nil) = %v, %v; want empty map", got, err)
	}
}

func TestUpdateFieldsWritesChangelog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ticket(t, storetest.Ticket{ID: 1, Values: map[schema.FieldID]any{
		schema.FieldTitle:    "Printer jams",
		schema.FieldStatus:   int64(1),
		schema.FieldKeywords: []string{"a", "b"},
	}})
	f.ticket(t, storetest.Ticket{ID: 2})

	changes := ticket.Changes{}
	for fid, raw := range map[schema.FieldID][]string{
		schema.FieldStatus:   {"RESOLVED"},
		schema.FieldKeywords: {"x", "y"},
		schema.FieldParents:  {"#2"},
	} {
		v, err := f.writer.ParseValue(fid, raw)
		if err != nil {
			t.Fatalf("ParseValue(%d, %v) error = %v", fid, raw, err)
		}
		changes[fid] = v
	}
	if err := f.writer.UpdateFields(ctx, f.principal(t, alice), 1, changes); err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}

	got := f.populate(t, 1, ticket.Details)
	want := map[schema.FieldID]fields.Value{
		schema.FieldTitle:       "Printer jams",
		schema.FieldStatus:      int64(3),
		schema.FieldKeywords:    []fields.Value{"x", "y"},
		schema.FieldParents:     []int64{2},
		schema.FieldAttachments: []fields.AttachmentMeta{},
	}
	if diff := cmp.Diff(want, got.Values); diff != "" {
		t.Fatalf("values after update mismatch (-want +got):\n%s", diff)
	}
	if got.ChangedUID != int64(alice) {
		t.Fatalf("ChangedUID = %d, want %d", got.ChangedUID, alice)
	}

	log, err := f.writer.Changelog(ctx, 1)
	if err != nil {
		t.Fatalf("Changelog() error = %v", err)
	}
	str := func(s string) *string { return &s }
	wantLog := []ticket.ChangelogEntry{
		{TicketID: 1, FieldID: schema.FieldStatus, UID: int64(alice), OldValue: str("OPEN"), NewValue: str("RESOLVED")},
		{TicketID: 1, FieldID: schema.FieldKeywords, UID: int64(alice), OldValue: str("a, b"), NewValue: str("x, y")},
		{TicketID: 1, FieldID: schema.FieldParents, UID: int64(alice), OldValue: nil, NewValue: str("#2")},
	}
	if diff := cmp.Diff(wantLog, log, cmpopts.IgnoreFields(ticket.ChangelogEntry{}, "ID", "At")); diff != "" {
		t.Fatalf("Changelog() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateFieldsRejects(t *testing.T) {
	f := newFixture(t)
	f.ticket(t, storetest.Ticket{ID: 1, Values: map[schema.FieldID]any{schema.FieldTitle: "Task"}})
	f.ticket(t, storetest.Ticket{ID: 2, ACL: aclReadOnly, Values: map[schema.FieldID]any{schema.FieldTitle: "Locked"}})
	f.ticket(t, storetest.Ticket{ID: 3, TypeID: typeWiki, Values: map[schema.FieldID]any{schema.FieldTitle: "Page"}})

	cases := []struct {
		name    string
		uid     access.UserID
		id      int64
		changes ticket.Changes
		want    error
	}{
		{name: "read only acl", uid: alice, id: 2, changes: ticket.Changes{schema.FieldStatus: int64(2)}, want: apperr.ErrNotAuthorized},
		{name: "guest", uid: access.GuestUID, id: 1, changes: ticket.Changes{schema.FieldStatus: int64(2)}, want: apperr.ErrNotAuthorized},
		{name: "missing ticket", uid: alice, id: 99, changes: ticket.Changes{schema.FieldStatus: int64(2)}, want: apperr.ErrNotFound},
		{name: "enum out of range", uid: alice, id: 1, changes: ticket.Changes{schema.FieldStatus: int64(9)}, want: apperr.ErrInvalidValue},
		{name: "clear required title", uid: alice, id: 1, changes: ticket.Changes{schema.FieldTitle: nil}, want: apperr.ErrInvalidValue},
		{name: "field outside type", uid: alice, id: 3, changes: ticket.Changes{schema.FieldStatus: int64(1)}, want: apperr.ErrInvalidValue},
		{name: "attachments are not assignable", uid: alice, id: 1, changes: ticket.Changes{schema.FieldAttachments: []fields.AttachmentMeta{}}, want: apperr.ErrInvalidValue},
		{name: "unknown field", uid: alice, id: 1, changes: ticket.Changes{4242: "x"}, want: apperr.ErrInvalidValue},
		{name: "wrong parent type", uid: alice, id: 1, changes: ticket.Changes{schema.FieldParents: "2"}, want: apperr.ErrInvalidValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.writer.UpdateFields(context.Background(), f.principal(t, tc.uid), tc.id, tc.changes)
			if !errors.Is(err, tc.want) {
				t.Fatalf("UpdateFields() error = %v, want %v", err, tc.want)
			}
		})
	}

	log, err := f.writer.Changelog(context.Background(), 1)
	if err != nil {
		t.Fatalf("Changelog() error = %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("rejected updates left %d changelog rows", len(log))
	}
}

func TestParseValue(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name    string
		field   schema.FieldID
		raw     []string
		want    fields.Value
		wantErr bool
	}{
		{name: "enum label", field: schema.FieldPriority, raw: []string{"HIGH"}, want: int64(3)},
		{name: "date", field: schema.FieldDueDate, raw: []string{"2024-03-01"}, want: int64(1709251200)},
		{name: "keywords", field: schema.FieldKeywords, raw: []string{"a", "b"}, want: []fields.Value{"a", "b"}},
		{name: "parents", field: schema.FieldParents, raw: []string{"#4", "2"}, want: []int64{4, 2}},
		{name: "two values for scalar", field: schema.FieldStatus, raw: []string{"1", "2"}, wantErr: true},
		{name: "bad parent", field: schema.FieldParents, raw: []string{"x"}, wantErr: true},
		{name: "unknown", field: 4242, raw: []string{"x"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.writer.ParseValue(tc.field, tc.raw)
			if tc.wantErr {
				if !errors.Is(err, apperr.ErrInvalidValue) {
					t.Fatalf("ParseValue() error = %v, want ErrInvalidValue", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseValue() error = %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ParseValue() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateFromTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ticket(t, storetest.Ticket{ID: 2})
	f.ticket(t, storetest.Ticket{ID: 7, Template: true, Values: map[schema.FieldID]any{
		schema.FieldTitle:    "Onboarding",
		schema.FieldStatus:   int64(1),
		schema.FieldKeywords: []string{"hr", "new"},
		schema.FieldParents:  []int64{2},
	}})
	f.ticket(t, storetest.Ticket{ID: 8, Template: true, ACL: aclReadOnly})

	id, err := f.writer.CreateFromTemplate(ctx, f.principal(t, alice), 7, ticket.Changes{schema.FieldTitle: "Onboard Bob"})
	if err != nil {
		t.Fatalf("CreateFromTemplate() error = %v", err)
	}
	got := f.populate(t, id, ticket.Details)
	if got.IsTemplate || got.TemplateID != 7 || got.CreatedUID != int64(alice) {
		t.Fatalf("core columns = %+v, want non-template copy of 7 created by alice", got)
	}
	want := map[schema.FieldID]fields.Value{
		schema.FieldTitle:       "Onboard Bob",
		schema.FieldStatus:      int64(1),
		schema.FieldKeywords:    []fields.Value{"hr", "new"},
		schema.FieldParents:     []int64{2},
		schema.FieldAttachments: []fields.AttachmentMeta{},
	}
	if diff := cmp.Diff(want, got.Values); diff != "" {
		t.Fatalf("copied values mismatch (-want +got):\n%s", diff)
	}

	tmpl := f.populate(t, 7, ticket.List)
	if tmpl.Title != "Onboarding" {
		t.Fatalf("template title = %q, overrides must not touch the template", tmpl.Title)
	}

	if _, err := f.writer.CreateFromTemplate(ctx, f.principal(t, alice), 2, nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("CreateFromTemplate(non-template) error = %v, want ErrNotFound", err)
	}
	if _, err := f.writer.CreateFromTemplate(ctx, f.principal(t, alice), 8, nil); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("CreateFromTemplate(read-only) error = %v, want ErrNotAuthorized", err)
	}
}

func TestNukeRemovesTicketAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ticket(t, storetest.Ticket{ID: 5, Values: map[schema.FieldID]any{
		schema.FieldTitle:       "doomed",
		schema.FieldAttachments: []string{"a.txt"},
	}})
	f.ticket(t, storetest.Ticket{ID: 6, Values: map[schema.FieldID]any{
		schema.FieldTitle:   "child",
		schema.FieldParents: []int64{5},
	}})
	f.ticket(t, storetest.Ticket{ID: 9, ACL: aclReadOnly})

	if err := f.writer.Nuke(ctx, f.principal(t, alice), 9); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("Nuke(read-only) error = %v, want ErrNotAuthorized", err)
	}
	if err := f.writer.Nuke(ctx, f.principal(t, alice), 5); err != nil {
		t.Fatalf("Nuke() error = %v", err)
	}

	got, err := f.assembler.PopulateMany(ctx, []int64{5, 6}, nil, ticket.Details)
	if err != nil {
		t.Fatalf("PopulateMany() error = %v", err)
	}
	if diff := cmp.Diff([]int64{6}, sortedKeys(got)); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{}, got[6].Values[schema.FieldParents]); diff != "" {
		t.Fatalf("dangling parent link (-want +got):\n%s", diff)
	}
	n, err := f.db.Count(ctx, `SELECT COUNT(*) FROM ticket_binaries WHERE i = 5`)
	if err != nil || n != 0 {
		t.Fatalf("binaries left = %d, %v; want 0", n, err)
	}
}

func TestPopulationLevelScope(t *testing.T) {
	if ticket.List.Scope() != schema.ScopeList || ticket.Details.Scope() != schema.ScopeAll {
		t.Fatal("levels map to the wrong schema scopes")
	}
	if ticket.Details.String() != "details" {
		t.Fatalf("Details.String() = %q", ticket.Details.String())
	}
}
