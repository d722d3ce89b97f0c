// Package ticket assembles tickets from their sparse storage and writes
// field changes back.
package ticket

import (
	"doreen/api/internal/access"
	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
)

// PopulationLevel selects how much of a ticket is loaded.
type PopulationLevel int

const (
	// List loads the core columns plus the fields the type shows in lists.
	List PopulationLevel = iota
	// Details loads every field the type declares.
	Details
)

func (l PopulationLevel) String() string {
	if l == Details {
		return "details"
	}
	return "list"
}

// Scope is the schema scope whose fields a level loads.
func (l PopulationLevel) Scope() schema.Scope {
	if l == Details {
		return schema.ScopeAll
	}
	return schema.ScopeList
}

type Ticket struct {
	ID         int64
	TypeID     schema.TypeID
	ACLID      access.ACLID
	IsTemplate bool
	TemplateID int64
	OwnerUID   int64
	Created    int64
	Changed    int64
	CreatedUID int64
	ChangedUID int64
	// Title is read with the core columns so list views never need a second
	// query for it.
	Title string
	// Values are keyed by canonical field id. Array fields hold []fields.Value.
	Values map[schema.FieldID]fields.Value
	Level  PopulationLevel
}

func (t *Ticket) Value(id schema.FieldID) (fields.Value, bool) {
	v, ok := t.Values[id]
	return v, ok
}

// ChangelogEntry records one field change. Values are stored in their plain
// text form.
type ChangelogEntry struct {
	ID       int64          `json:"id"`
	TicketID int64          `json:"ticketId"`
	FieldID  schema.FieldID `json:"fieldId"`
	UID      int64          `json:"uid"`
	At       int64          `json:"at"`
	OldValue *string        `json:"oldValue"`
	NewValue *string        `json:"newValue"`
}
