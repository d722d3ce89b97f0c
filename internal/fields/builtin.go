package fields

import (
	"bytes"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"doreen/api/internal/apperr"
)

var (
	textPolicy     = bluemonday.StrictPolicy()
	markdownPolicy = bluemonday.UGCPolicy()
	markdown       = goldmark.New()
)

// Text is a plain string field.
type Text struct {
	Weight   int
	MaxBytes int
}

func (h Text) SQLValue(raw string) (any, error) {
	if h.MaxBytes > 0 && len(raw) > h.MaxBytes {
		return nil, apperr.InvalidValue("text longer than %d bytes", h.MaxBytes)
	}
	return raw, nil
}

func (Text) Decode(src any) (Value, error) { return asString(src) }

func (h Text) Validate(v Value) error {
	s, ok := v.(string)
	if !ok {
		return apperr.InvalidValue("expected text, got %T", v)
	}
	_, err := h.SQLValue(s)
	return err
}

func (Text) HTML(v Value) string { return textPolicy.Sanitize(plain(v)) }

func (Text) Plain(v Value) string { return plain(v) }

func (h Text) SearchWeight() int { return h.Weight }

// Markdown stores text and renders it as sanitized HTML.
type Markdown struct {
	Weight int
}

func (Markdown) SQLValue(raw string) (any, error) { return raw, nil }

func (Markdown) Decode(src any) (Value, error) { return asString(src) }

func (Markdown) Validate(v Value) error {
	if _, ok := v.(string); !ok {
		return apperr.InvalidValue("expected text, got %T", v)
	}
	return nil
}

func (Markdown) HTML(v Value) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(plain(v)), &buf); err != nil {
		return html.EscapeString(plain(v))
	}
	return markdownPolicy.Sanitize(buf.String())
}

func (Markdown) Plain(v Value) string { return plain(v) }

func (h Markdown) SearchWeight() int { return h.Weight }

// Int is a 64-bit integer field.
type Int struct{}

func (Int) SQLValue(raw string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, apperr.InvalidValue("%q is not an integer", raw)
	}
	return n, nil
}

func (Int) Decode(src any) (Value, error) { return asInt64(src) }

func (Int) Validate(v Value) error {
	if _, ok := v.(int64); !ok {
		return apperr.InvalidValue("expected integer, got %T", v)
	}
	return nil
}

func (Int) HTML(v Value) string { return html.EscapeString(plain(v)) }

func (Int) Plain(v Value) string { return plain(v) }

func (Int) SearchWeight() int { return 0 }

type EnumLabel struct {
	Value int64
	Label string
}

// Enum is an integer field with named values. Input may use either the
// label (case-insensitive) or the number.
type Enum struct {
	labels  []EnumLabel
	byValue map[int64]string
	byLabel map[string]int64
}

func NewEnum(labels []EnumLabel) Enum {
	e := Enum{
		labels:  labels,
		byValue: make(map[int64]string, len(labels)),
		byLabel: make(map[string]int64, len(labels)),
	}
	for _, l := range labels {
		e.byValue[l.Value] = l.Label
		e.byLabel[strings.ToUpper(l.Label)] = l.Value
	}
	return e
}

func (e Enum) Labels() []EnumLabel { return e.labels }

func (e Enum) SQLValue(raw string) (any, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if n, ok := e.byLabel[key]; ok {
		return n, nil
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err == nil {
		if _, ok := e.byValue[n]; ok {
			return n, nil
		}
	}
	return nil, apperr.InvalidValue("%q is not one of %s", raw, e.labelList())
}

func (Enum) Decode(src any) (Value, error) { return asInt64(src) }

func (e Enum) Validate(v Value) error {
	n, ok := v.(int64)
	if !ok {
		return apperr.InvalidValue("expected integer, got %T", v)
	}
	if _, ok := e.byValue[n]; !ok {
		return apperr.InvalidValue("%d is not one of %s", n, e.labelList())
	}
	return nil
}

func (e Enum) HTML(v Value) string { return html.EscapeString(e.Plain(v)) }

func (e Enum) Plain(v Value) string {
	if n, ok := v.(int64); ok {
		if label, ok := e.byValue[n]; ok {
			return label
		}
	}
	return plain(v)
}

func (Enum) SearchWeight() int { return 0 }

func (e Enum) labelList() string {
	names := make([]string, 0, len(e.labels))
	for _, l := range e.labels {
		names = append(names, l.Label)
	}
	return strings.Join(names, ", ")
}

type Float struct{}

func (Float) SQLValue(raw string) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, apperr.InvalidValue("%q is not a number", raw)
	}
	return f, nil
}

func (Float) Decode(src any) (Value, error) { return asFloat64(src) }

func (Float) Validate(v Value) error {
	if _, ok := v.(float64); !ok {
		return apperr.InvalidValue("expected number, got %T", v)
	}
	return nil
}

func (Float) HTML(v Value) string { return html.EscapeString(plain(v)) }

func (Float) Plain(v Value) string { return plain(v) }

func (Float) SearchWeight() int { return 0 }

const dateLayout = "2006-01-02"

// Date stores a day as Unix seconds at UTC midnight.
type Date struct{}

func (Date) SQLValue(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if day, err := time.Parse(dateLayout, raw); err == nil {
		return day.Unix(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	return nil, apperr.InvalidValue("%q is not a date (want %s)", raw, dateLayout)
}

func (Date) Decode(src any) (Value, error) { return asInt64(src) }

func (Date) Validate(v Value) error {
	if _, ok := v.(int64); !ok {
		return apperr.InvalidValue("expected unix seconds, got %T", v)
	}
	return nil
}

func (d Date) HTML(v Value) string { return html.EscapeString(d.Plain(v)) }

func (Date) Plain(v Value) string {
	if n, ok := v.(int64); ok {
		return time.Unix(n, 0).UTC().Format(dateLayout)
	}
	return plain(v)
}

func (Date) SearchWeight() int { return 0 }

// UserRef holds a user id. Names resolves display names when set.
type UserRef struct {
	Names func(uid int64) string
}

func (UserRef) SQLValue(raw string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return nil, apperr.InvalidValue("%q is not a user id", raw)
	}
	return n, nil
}

func (UserRef) Decode(src any) (Value, error) { return asInt64(src) }

func (UserRef) Validate(v Value) error {
	if n, ok := v.(int64); !ok || n < 0 {
		return apperr.InvalidValue("expected user id, got %v", v)
	}
	return nil
}

func (h UserRef) HTML(v Value) string { return html.EscapeString(h.Plain(v)) }

func (h UserRef) Plain(v Value) string {
	n, ok := v.(int64)
	if !ok {
		return plain(v)
	}
	if h.Names != nil {
		if name := h.Names(n); name != "" {
			return name
		}
	}
	return "#" + strconv.FormatInt(n, 10)
}

func (UserRef) SearchWeight() int { return 0 }

// Passthrough treats values as opaque strings. Registry.Find returns it for
// fields nobody registered.
type Passthrough struct{}

func (Passthrough) SQLValue(raw string) (any, error) { return raw, nil }

func (Passthrough) Decode(src any) (Value, error) { return asString(src) }

func (Passthrough) Validate(Value) error { return nil }

func (Passthrough) HTML(v Value) string { return html.EscapeString(plain(v)) }

func (Passthrough) Plain(v Value) string { return plain(v) }

func (Passthrough) SearchWeight() int { return 0 }

func plain(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asString(src any) (Value, error) {
	switch x := src.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64, float64, bool, time.Time:
		return plain(x), nil
	default:
		return nil, fmt.Errorf("decode text from %T", src)
	}
}

func asInt64(src any) (Value, error) {
	switch x := src.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return parseInt(string(x))
	case string:
		return parseInt(x)
	default:
		return nil, fmt.Errorf("decode integer from %T", src)
	}
}

func parseInt(s string) (Value, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode integer: %w", err)
	}
	return n, nil
}

func asFloat64(src any) (Value, error) {
	switch x := src.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case []byte:
		return parseFloat(string(x))
	case string:
		return parseFloat(x)
	default:
		return nil, fmt.Errorf("decode number from %T", src)
	}
}

func parseFloat(s string) (Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("decode number: %w", err)
	}
	return f, nil
}
