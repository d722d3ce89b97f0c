// Package format renders assembled tickets as JSON records or HTML table
// rows. It works only on what the assembler already loaded and never talks
// to the store.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
	"doreen/api/internal/search"
	"doreen/api/internal/ticket"
)

// Field is one member of a Record.
type Field struct {
	Key   string
	Value any
}

// Record is a JSON object whose members keep their insertion order, so
// columns come out in schema display order.
type Record []Field

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for n, f := range r {
		if n > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Column describes one rendered field for clients.
type Column struct {
	ID        schema.FieldID `json:"id"`
	Name      string         `json:"name"`
	Sortable  bool           `json:"sortable"`
	DrillDown bool           `json:"drillDown"`
}

func Columns(visible []schema.FieldDescriptor) []Column {
	out := make([]Column, 0, len(visible))
	for _, f := range visible {
		out = append(out, Column{
			ID:        f.ID,
			Name:      f.Name,
			Sortable:  f.Flags.Has(schema.FlagSortable),
			DrillDown: f.Flags.Has(schema.FlagDrillDown),
		})
	}
	return out
}

type Formatter struct {
	handlers *fields.Registry
}

func New(handlers *fields.Registry) *Formatter {
	return &Formatter{handlers: handlers}
}

// JSON flattens a ticket into a record: core columns first, then one member
// per column in the given order. Fields the ticket lacks are null.
func (f *Formatter) JSON(tk *ticket.Ticket, columns []schema.FieldDescriptor) Record {
	rec := Record{
		{"id", tk.ID},
		{"type", tk.TypeID},
		{"acl", tk.ACLID},
		{"title", tk.Title},
		{"created", tk.Created},
		{"changed", tk.Changed},
	}
	if tk.IsTemplate {
		rec = append(rec, Field{"template", true})
	}
	if tk.TemplateID != 0 {
		rec = append(rec, Field{"templateId", tk.TemplateID})
	}
	for _, col := range columns {
		if col.ID == schema.FieldTitle {
			continue
		}
		v, ok := tk.Value(col.ID)
		if !ok {
			v = nil
		}
		rec = append(rec, Field{col.Name, v})
	}
	return rec
}

// ListJSON renders the tickets named by ids in that order. Ids without an
// assembled ticket are skipped.
func (f *Formatter) ListJSON(ids []int64, tickets map[int64]*ticket.Ticket, columns []schema.FieldDescriptor) []Record {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if tk, ok := tickets[id]; ok {
			out = append(out, f.JSON(tk, columns))
		}
	}
	return out
}

// Text returns the plain text of one field of tk.
func (f *Formatter) Text(tk *ticket.Ticket, id schema.FieldID) string {
	v, ok := tk.Value(id)
	if !ok {
		return ""
	}
	handler := f.handlers.Find(id)
	if list, ok := v.([]fields.Value); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, handler.Plain(item))
		}
		return strings.Join(parts, ", ")
	}
	return handler.Plain(v)
}

// cellHTML returns handler output, which each handler sanitizes itself.
func (f *Formatter) cellHTML(tk *ticket.Ticket, id schema.FieldID) template.HTML {
	v, ok := tk.Value(id)
	if !ok {
		return ""
	}
	handler := f.handlers.Find(id)
	if list, ok := v.([]fields.Value); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, handler.HTML(item))
		}
		return template.HTML(strings.Join(parts, ", "))
	}
	return template.HTML(handler.HTML(v))
}

type rowData struct {
	ID    int64
	Type  schema.TypeID
	Cells []cellData
}

type cellData struct {
	Name string
	HTML template.HTML
}

var rowsTemplate = template.Must(template.New("rows").Parse(
	`{{range .}}<tr data-ticket="{{.ID}}" data-type="{{.Type}}"><td class="ticket-id"><a href="/tickets/{{.ID}}">#{{.ID}}</a></td>` +
		`{{range .Cells}}<td class="field-{{.Name}}">{{.HTML}}</td>{{end}}</tr>
{{end}}`))

// HTMLRows renders one table row per ticket in ids order.
func (f *Formatter) HTMLRows(ids []int64, tickets map[int64]*ticket.Ticket, columns []schema.FieldDescriptor) (string, error) {
	rows := make([]rowData, 0, len(ids))
	for _, id := range ids {
		tk, ok := tickets[id]
		if !ok {
			continue
		}
		row := rowData{ID: tk.ID, Type: tk.TypeID}
		for _, col := range columns {
			row.Cells = append(row.Cells, cellData{Name: col.Name, HTML: f.cellHTML(tk, col.ID)})
		}
		rows = append(rows, row)
	}
	var buf bytes.Buffer
	if err := rowsTemplate.Execute(&buf, rows); err != nil {
		return "", fmt.Errorf("render rows: %w", err)
	}
	return buf.String(), nil
}

// SortIcon tells a client how a column header should look and which sort
// parameter clicking it selects.
type SortIcon struct {
	Field      string `json:"field"`
	Active     bool   `json:"active"`
	Descending bool   `json:"descending"`
	Param      string `json:"param"`
}

// SortIcons returns icons for the sortable columns under the current sort.
func SortIcons(reg *schema.Registry, columns []schema.FieldDescriptor, current search.SortSpec) []SortIcon {
	icons := make([]SortIcon, 0, len(columns))
	for _, col := range columns {
		if !col.Flags.Has(schema.FlagSortable) {
			continue
		}
		icon := SortIcon{Field: col.Name}
		if current.Kind == search.SortField && reg.Canonical(current.FieldID) == reg.Canonical(col.ID) {
			icon.Active = true
			icon.Descending = current.Descending
		}
		next := search.SortSpec{Kind: search.SortField, FieldID: col.ID, Descending: icon.Active && !icon.Descending}
		icon.Param = next.Param(reg)
		icons = append(icons, icon)
	}
	return icons
}

// Pager is pagination metadata for one result page. Prev and Next are 0
// when there is no such page; From and To are 1-based item positions.
type Pager struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
	Prev     int `json:"prev,omitempty"`
	Next     int `json:"next,omitempty"`
	From     int `json:"from"`
	To       int `json:"to"`
}

func Pagination(page, pageSize, total int) Pager {
	p := Pager{Page: page, PageSize: pageSize, Total: total}
	if pageSize <= 0 || page <= 0 {
		return p
	}
	p.Pages = (total + pageSize - 1) / pageSize
	if page > 1 {
		p.Prev = min(page-1, max(p.Pages, 1))
	}
	if page < p.Pages {
		p.Next = page + 1
	}
	if page <= p.Pages {
		p.From = (page-1)*pageSize + 1
		p.To = min(page*pageSize, total)
	}
	return p
}
