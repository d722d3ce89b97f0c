// Package fields resolves the handler responsible for a ticket field's
// values: binding request input to SQL parameters, decoding stored values,
// validating writes and formatting for display.
package fields

import (
	"context"
	"sync"

	"doreen/api/internal/schema"
	"doreen/api/internal/store"
)

// Value is the decoded in-memory form of a field value. Built-in handlers
// produce string, int64, float64, []int64 or []AttachmentMeta.
type Value = any

type Handler interface {
	// SQLValue converts request input into a bound parameter. An error means
	// the input is not a legal value for the field.
	SQLValue(raw string) (any, error)
	// Decode converts a scanned column into a Value.
	Decode(src any) (Value, error)
	Validate(v Value) error
	HTML(v Value) string
	Plain(v Value) string
	// SearchWeight is the fulltext weight of the field; 0 keeps it out of
	// fulltext scoring.
	SearchWeight() int
}

// CustomLoader is implemented by handlers of custom-serialization fields.
// Stage2Select returns a scalar SQL expression correlated on the ticket
// alias "t"; Decode receives what that expression yields.
type CustomLoader interface {
	Handler
	Stage2Select(d store.Dialect) (string, []any)
}

// CustomWriter stores a custom-serialization value.
type CustomWriter interface {
	Handler
	Write(ctx context.Context, q store.Queryer, ticketID int64, v Value) error
}

type Factory func() Handler

// Registry maps field ids to handlers. Handlers must be registered before
// the first request; lazy factories run once, on the first Find.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[schema.FieldID]Handler
	factories map[schema.FieldID]Factory
	fallback  Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[schema.FieldID]Handler),
		factories: make(map[schema.FieldID]Factory),
		fallback:  Passthrough{},
	}
}

func (r *Registry) Register(id schema.FieldID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
	delete(r.factories, id)
}

func (r *Registry) RegisterLazy(id schema.FieldID, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
	r.factories[id] = factory
}

// Find never fails: fields without a handler are treated as opaque strings.
func (r *Registry) Find(id schema.FieldID) Handler {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[id]; ok {
		return h
	}
	if factory, ok := r.factories[id]; ok {
		h := factory()
		r.handlers[id] = h
		delete(r.factories, id)
		return h
	}
	return r.fallback
}

// Registered reports whether id has an explicit or lazy handler.
func (r *Registry) Registered(id schema.FieldID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	if !ok {
		_, ok = r.factories[id]
	}
	return ok
}

// Status and priority labels of the core enums.
var (
	StatusLabels = []EnumLabel{
		{1, "OPEN"},
		{2, "IN_PROGRESS"},
		{3, "RESOLVED"},
		{4, "CLOSED"},
	}
	PriorityLabels = []EnumLabel{
		{1, "LOW"},
		{2, "MEDIUM"},
		{3, "HIGH"},
		{4, "URGENT"},
	}
)

// NewDefaultRegistry registers handlers for the core fields.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(schema.FieldTitle, Text{Weight: 3})
	r.Register(schema.FieldDescription, Markdown{Weight: 1})
	r.Register(schema.FieldStatus, NewEnum(StatusLabels))
	r.Register(schema.FieldPriority, NewEnum(PriorityLabels))
	r.Register(schema.FieldKeywords, Text{Weight: 2})
	r.Register(schema.FieldParents, Parents{})
	r.Register(schema.FieldAttachments, Attachments{})
	r.Register(schema.FieldEstimate, Float{})
	r.Register(schema.FieldDueDate, Date{})
	r.Register(schema.FieldAssignee, UserRef{})
	return r
}
