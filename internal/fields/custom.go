package fields

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"

	"doreen/api/internal/apperr"
	"doreen/api/internal/store"
)

// Parents links a ticket to its parent tickets through ticket_parents.
type Parents struct{}

func (Parents) Stage2Select(d store.Dialect) (string, []any) {
	return "(SELECT " + d.GroupConcat("tp.parent_id") + " FROM ticket_parents tp WHERE tp.i = t.i)", nil
}

func (Parents) SQLValue(raw string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(raw, "#")), 10, 64)
	if err != nil || n <= 0 {
		return nil, apperr.InvalidValue("%q is not a ticket id", raw)
	}
	return n, nil
}

// Decode accepts the comma separated aggregate; parent ids come back sorted.
func (Parents) Decode(src any) (Value, error) {
	var raw string
	switch x := src.(type) {
	case nil:
		return []int64{}, nil
	case string:
		raw = x
	case []byte:
		raw = string(x)
	case int64:
		return []int64{x}, nil
	default:
		return nil, fmt.Errorf("decode parents from %T", src)
	}
	ids := make([]int64, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode parent id %q: %w", part, err)
		}
		ids = append(ids, n)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (Parents) Validate(v Value) error {
	ids, ok := v.([]int64)
	if !ok {
		return apperr.InvalidValue("expected ticket id list, got %T", v)
	}
	for _, id := range ids {
		if id <= 0 {
			return apperr.InvalidValue("invalid parent ticket id %d", id)
		}
	}
	return nil
}

func (p Parents) HTML(v Value) string {
	ids, _ := v.([]int64)
	links := make([]string, 0, len(ids))
	for _, id := range ids {
		s := strconv.FormatInt(id, 10)
		links = append(links, `<a href="/tickets/`+s+`">#`+s+`</a>`)
	}
	return strings.Join(links, ", ")
}

func (Parents) Plain(v Value) string {
	ids, _ := v.([]int64)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, "#"+strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}

func (Parents) SearchWeight() int { return 0 }

// ParseList parses request input such as ["#12", "40"].
func (p Parents) ParseList(raw []string) (Value, error) {
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		v, err := p.SQLValue(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v.(int64))
	}
	return ids, nil
}

// Write replaces the parent links of ticketID. A nil value removes them all.
func (p Parents) Write(ctx context.Context, q store.Queryer, ticketID int64, v Value) error {
	if v == nil {
		v = []int64{}
	}
	if err := p.Validate(v); err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `DELETE FROM ticket_parents WHERE i = ?`, ticketID); err != nil {
		return fmt.Errorf("clear parents: %w", err)
	}
	ids := slices.Clone(v.([]int64))
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		if _, err := q.Exec(ctx, `INSERT INTO ticket_parents (i, parent_id) VALUES (?, ?)`, ticketID, id); err != nil {
			return fmt.Errorf("insert parent %d: %w", id, err)
		}
	}
	return nil
}

// AttachmentMeta describes one stored binary. The bytes live in the object
// store; see package attachment.
type AttachmentMeta struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
}

// Attachments aggregates ticket_binaries rows into one JSON column.
// Writes go through the attachment service, not through field updates.
type Attachments struct{}

func (Attachments) Stage2Select(d store.Dialect) (string, []any) {
	agg := d.JSONArrayAgg("id", "tb.id", "filename", "tb.filename", "mime", "tb.mime", "size", "tb.size")
	return "(SELECT " + agg + " FROM ticket_binaries tb WHERE tb.i = t.i)", nil
}

func (Attachments) SQLValue(raw string) (any, error) {
	return nil, apperr.InvalidValue("attachments cannot be filtered or assigned directly")
}

func (Attachments) Decode(src any) (Value, error) {
	var raw []byte
	switch x := src.(type) {
	case nil:
		return []AttachmentMeta{}, nil
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return nil, fmt.Errorf("decode attachments from %T", src)
	}
	var items []AttachmentMeta
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	out := make([]AttachmentMeta, 0, len(items))
	for _, item := range items {
		// Aggregating zero rows yields a single all-null object on some backends.
		if item.ID == 0 {
			continue
		}
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b AttachmentMeta) int {
		return int(a.ID - b.ID)
	})
	return out, nil
}

func (Attachments) Validate(v Value) error {
	if _, ok := v.([]AttachmentMeta); !ok {
		return apperr.InvalidValue("expected attachment list, got %T", v)
	}
	return nil
}

func (Attachments) HTML(v Value) string {
	items, _ := v.([]AttachmentMeta)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf(`<a href="attachments/%d">%s</a> (%s)`,
			item.ID, html.EscapeString(item.Filename), humanSize(item.Size)))
	}
	return strings.Join(parts, "<br>")
}

func (Attachments) Plain(v Value) string {
	items, _ := v.([]AttachmentMeta)
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Filename)
	}
	return strings.Join(names, ", ")
}

func (Attachments) SearchWeight() int { return 0 }

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
