package schema

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"doreen/api/internal/store"
)

// Load reads ticket_fields and ticket_types.
func Load(ctx context.Context, db store.Queryer) (*Registry, error) {
	fields, err := loadFields(ctx, db)
	if err != nil {
		return nil, err
	}
	types, err := loadTypes(ctx, db)
	if err != nil {
		return nil, err
	}
	return NewRegistry(fields, types)
}

func loadFields(ctx context.Context, db store.Queryer) ([]FieldDescriptor, error) {
	rows, err := db.Query(ctx, `
		SELECT i, name, tblname, ordering, fl, alias_of
		FROM ticket_fields
		ORDER BY i
	`)
	if err != nil {
		return nil, fmt.Errorf("list ticket fields: %w", err)
	}
	defer rows.Close()

	var fields []FieldDescriptor
	for rows.Next() {
		var (
			f       FieldDescriptor
			table   sql.NullString
			aliasOf sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.Name, &table, &f.Ordering, &f.Flags, &aliasOf); err != nil {
			return nil, fmt.Errorf("scan ticket field: %w", err)
		}
		f.Table = table.String
		f.AliasOf = FieldID(aliasOf.Int64)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket fields: %w", err)
	}
	return fields, nil
}

func loadTypes(ctx context.Context, db store.Queryer) ([]TicketType, error) {
	rows, err := db.Query(ctx, `
		SELECT i, name, details_fields, list_fields, workflow_id
		FROM ticket_types
		ORDER BY i
	`)
	if err != nil {
		return nil, fmt.Errorf("list ticket types: %w", err)
	}
	defer rows.Close()

	var types []TicketType
	for rows.Next() {
		var (
			t               TicketType
			details, listed string
			workflow        sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Name, &details, &listed, &workflow); err != nil {
			return nil, fmt.Errorf("scan ticket type: %w", err)
		}
		if t.DetailFields, err = parseFieldList(details); err != nil {
			return nil, fmt.Errorf("ticket type %q details: %w", t.Name, err)
		}
		if t.ListFields, err = parseFieldList(listed); err != nil {
			return nil, fmt.Errorf("ticket type %q list: %w", t.Name, err)
		}
		t.WorkflowID = workflow.Int64
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket types: %w", err)
	}
	return types, nil
}

// Seed writes reg into empty schema tables. It refuses to touch a schema
// that already has fields.
func Seed(ctx context.Context, db *store.DB, reg *Registry) error {
	n, err := db.Count(ctx, `SELECT COUNT(*) FROM ticket_fields`)
	if err != nil {
		return fmt.Errorf("count ticket fields: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("seed schema: ticket_fields already holds %d rows", n)
	}

	return db.WithTx(ctx, func(tx *store.Tx) error {
		for _, f := range reg.Fields() {
			var table, aliasOf any
			if f.Table != "" && f.AliasOf == 0 {
				table = f.Table
			}
			if f.AliasOf != 0 {
				aliasOf = int(f.AliasOf)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO ticket_fields (i, name, tblname, ordering, fl, alias_of)
				VALUES (?, ?, ?, ?, ?, ?)
			`, int(f.ID), f.Name, table, f.Ordering, int(f.Flags), aliasOf); err != nil {
				return fmt.Errorf("insert field %d: %w", f.ID, err)
			}
		}
		for _, t := range reg.Types() {
			var workflow any
			if t.WorkflowID != 0 {
				workflow = t.WorkflowID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO ticket_types (i, name, details_fields, list_fields, workflow_id)
				VALUES (?, ?, ?, ?, ?)
			`, int64(t.ID), t.Name, formatFieldList(t.DetailFields), formatFieldList(t.ListFields), workflow); err != nil {
				return fmt.Errorf("insert ticket type %d: %w", t.ID, err)
			}
		}
		return nil
	})
}

type yamlField struct {
	ID       int      `yaml:"id"`
	Name     string   `yaml:"name"`
	Table    string   `yaml:"table"`
	Ordering int      `yaml:"ordering"`
	Flags    []string `yaml:"flags"`
	AliasOf  int      `yaml:"alias_of"`
}

type yamlType struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	Details    []int  `yaml:"details"`
	List       []int  `yaml:"list"`
	WorkflowID int64  `yaml:"workflow_id"`
}

type yamlSchema struct {
	Fields []yamlField `yaml:"fields"`
	Types  []yamlType  `yaml:"types"`
}

// ParseYAML reads a schema definition:
//
//	fields:
//	  - {id: 1, name: title, table: ticket_texts, ordering: 10, flags: [searchable, sortable]}
//	types:
//	  - {id: 1, name: Task, details: [1, 2], list: [1]}
func ParseYAML(r io.Reader) (*Registry, error) {
	var doc yamlSchema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schema yaml: %w", err)
	}

	fields := make([]FieldDescriptor, 0, len(doc.Fields))
	for _, yf := range doc.Fields {
		flags, err := parseFlags(yf.Flags)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", yf.Name, err)
		}
		fields = append(fields, FieldDescriptor{
			ID:       FieldID(yf.ID),
			Name:     yf.Name,
			Table:    yf.Table,
			Ordering: yf.Ordering,
			Flags:    flags,
			AliasOf:  FieldID(yf.AliasOf),
		})
	}

	types := make([]TicketType, 0, len(doc.Types))
	for _, yt := range doc.Types {
		types = append(types, TicketType{
			ID:           TypeID(yt.ID),
			Name:         yt.Name,
			DetailFields: toFieldIDs(yt.Details),
			ListFields:   toFieldIDs(yt.List),
			WorkflowID:   yt.WorkflowID,
		})
	}
	return NewRegistry(fields, types)
}

func toFieldIDs(ids []int) []FieldID {
	out := make([]FieldID, 0, len(ids))
	for _, id := range ids {
		out = append(out, FieldID(id))
	}
	return out
}

// Holder publishes the current Registry. Readers take a snapshot per request;
// Reload swaps in a freshly loaded one.
type Holder struct {
	current atomic.Pointer[Registry]
	db      store.Queryer
}

func NewHolder(db store.Queryer, initial *Registry) *Holder {
	h := &Holder{db: db}
	h.current.Store(initial)
	return h
}

func (h *Holder) Get() *Registry {
	return h.current.Load()
}

func (h *Holder) Reload(ctx context.Context) (*Registry, error) {
	reg, err := Load(ctx, h.db)
	if err != nil {
		return nil, err
	}
	h.current.Store(reg)
	return reg, nil
}

//go:embed core.yaml
var coreYAML []byte

// Core returns the built-in schema.
func Core() *Registry {
	reg, err := ParseYAML(bytes.NewReader(coreYAML))
	if err != nil {
		panic(fmt.Sprintf("core schema: %v", err))
	}
	return reg
}
