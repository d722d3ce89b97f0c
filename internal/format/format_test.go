package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
	"doreen/api/internal/search"
	"doreen/api/internal/ticket"
)

func listColumns(reg *schema.Registry) []schema.FieldDescriptor {
	return reg.VisibleFields([]schema.TypeID{1}, schema.ScopeList)
}

func sample() map[int64]*ticket.Ticket {
	return map[int64]*ticket.Ticket{
		1: {
			ID: 1, TypeID: 1, ACLID: 2, Title: "Printer", Created: 100, Changed: 200,
			Values: map[schema.FieldID]fields.Value{
				schema.FieldTitle:    "Printer",
				schema.FieldStatus:   int64(1),
				schema.FieldPriority: int64(3),
			},
		},
		2: {
			ID: 2, TypeID: 1, ACLID: 2, Title: `<script>alert(1)</script>Scanner`, Created: 101, Changed: 101,
			Values: map[schema.FieldID]fields.Value{
				schema.FieldTitle:    `<script>alert(1)</script>Scanner`,
				schema.FieldKeywords: []fields.Value{"usb", "<i>b</i>"},
			},
		},
	}
}

func TestJSONKeepsColumnOrder(t *testing.T) {
	reg := schema.Core()
	f := New(fields.NewDefaultRegistry())

	got, err := json.Marshal(f.JSON(sample()[1], listColumns(reg)))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"id":1,"type":1,"acl":2,"title":"Printer","created":100,"changed":200,"status":1,"assignee":null,"priority":3}`
	if string(got) != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestListJSONFollowsIDOrder(t *testing.T) {
	reg := schema.Core()
	f := New(fields.NewDefaultRegistry())
	records := f.ListJSON([]int64{2, 9, 1}, sample(), listColumns(reg))

	var ids []any
	for _, rec := range records {
		id, _ := rec.Get("id")
		ids = append(ids, id)
	}
	if diff := cmp.Diff([]any{int64(2), int64(1)}, ids); diff != "" {
		t.Fatalf("ListJSON() ids mismatch (-want +got):\n%s", diff)
	}
}

func TestHTMLRowsSanitizesValues(t *testing.T) {
	reg := schema.Core()
	f := New(fields.NewDefaultRegistry())
	columns := []schema.FieldDescriptor{}
	for _, id := range []schema.FieldID{schema.FieldTitle, schema.FieldPriority, schema.FieldKeywords} {
		col, _ := reg.Field(id)
		columns = append(columns, col)
	}

	out, err := f.HTMLRows([]int64{1, 2}, sample(), columns)
	if err != nil {
		t.Fatalf("HTMLRows() error = %v", err)
	}
	for _, want := range []string{
		`<tr data-ticket="1" data-type="1">`,
		`<td class="field-priority">HIGH</td>`,
		`<td class="field-keywords">usb, b</td>`,
		`<a href="/tickets/2">#2</a>`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("HTMLRows() missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "<script>") || strings.Contains(out, "<i>") {
		t.Fatalf("HTMLRows() leaked markup:\n%s", out)
	}
	if n := strings.Count(out, "<tr "); n != 2 {
		t.Fatalf("HTMLRows() rendered %d rows, want 2", n)
	}
}

func TestText(t *testing.T) {
	f := New(fields.NewDefaultRegistry())
	tk := sample()[2]
	if got := f.Text(tk, schema.FieldKeywords); got != "usb, <i>b</i>" {
		t.Fatalf("Text(keywords) = %q", got)
	}
	if got := f.Text(sample()[1], schema.FieldStatus); got != "OPEN" {
		t.Fatalf("Text(status) = %q, want OPEN", got)
	}
	if got := f.Text(tk, schema.FieldDueDate); got != "" {
		t.Fatalf("Text(missing) = %q, want empty", got)
	}
}

func TestSortIcons(t *testing.T) {
	reg := schema.Core()
	columns := listColumns(reg)

	got := SortIcons(reg, columns, search.SortSpec{Kind: search.SortField, FieldID: schema.FieldPriority, Descending: true})
	want := []SortIcon{
		{Field: "title", Param: "title"},
		{Field: "status", Param: "status"},
		{Field: "assignee", Param: "assignee"},
		{Field: "priority", Active: true, Descending: true, Param: "priority"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("SortIcons() mismatch (-want +got):\n%s", diff)
	}

	got = SortIcons(reg, columns, search.SortSpec{Kind: search.SortField, FieldID: schema.FieldPriority})
	if last := got[len(got)-1]; last.Param != "-priority" || last.Descending {
		t.Fatalf("ascending priority icon = %+v, want toggle to -priority", last)
	}
}

func TestPagination(t *testing.T) {
	cases := []struct {
		page, size, total int
		want              Pager
	}{
		{1, 10, 25, Pager{Page: 1, PageSize: 10, Total: 25, Pages: 3, Next: 2, From: 1, To: 10}},
		{3, 10, 25, Pager{Page: 3, PageSize: 10, Total: 25, Pages: 3, Prev: 2, From: 21, To: 25}},
		{4, 10, 25, Pager{Page: 4, PageSize: 10, Total: 25, Pages: 3, Prev: 3}},
		{9, 10, 25, Pager{Page: 9, PageSize: 10, Total: 25, Pages: 3, Prev: 3}},
		{1, 10, 0, Pager{Page: 1, PageSize: 10}},
		{2, 10, 0, Pager{Page: 2, PageSize: 10, Prev: 1}},
	}
	for _, tc := range cases {
		if got := Pagination(tc.page, tc.size, tc.total); got != tc.want {
			t.Fatalf("Pagination(%d, %d, %d) = %+v, want %+v", tc.page, tc.size, tc.total, got, tc.want)
		}
	}
}
