package ticket

import (
	"context"
	"fmt"
	"slices"
	"time"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
	"doreen/api/internal/store"
)

// ListParser is implemented by handlers whose array values need a typed
// container instead of []fields.Value.
type ListParser interface {
	ParseList(raw []string) (fields.Value, error)
}

// Changes maps canonical or alias field ids to new values. A nil value
// clears the field.
type Changes map[schema.FieldID]fields.Value

type Writer struct {
	db       *store.DB
	schema   *schema.Registry
	handlers *fields.Registry
	access   *access.Resolver
	now      func() time.Time
}

func NewWriter(db *store.DB, reg *schema.Registry, handlers *fields.Registry, resolver *access.Resolver) *Writer {
	return &Writer{db: db, schema: reg, handlers: handlers, access: resolver, now: time.Now}
}

// ParseValue turns request input into a value for field id.
func (w *Writer) ParseValue(id schema.FieldID, raw []string) (fields.Value, error) {
	f, ok := w.schema.Field(id)
	if !ok {
		return nil, apperr.InvalidValue("unknown field %d", id)
	}
	handler := w.handlers.Find(w.schema.Canonical(id))
	if f.Flags.Has(schema.FlagArray) {
		if parser, ok := handler.(ListParser); ok {
			return parser.ParseList(raw)
		}
		out := make([]fields.Value, 0, len(raw))
		for _, r := range raw {
			v, err := handler.SQLValue(r)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			out = append(out, v)
		}
		return out, nil
	}
	if len(raw) != 1 {
		return nil, apperr.InvalidValue("field %q takes exactly one value", f.Name)
	}
	v, err := handler.SQLValue(raw[0])
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Name, err)
	}
	return v, nil
}

// UpdateFields applies changes to a ticket the principal may update. Value
// rows, lastmod columns and changelog rows commit together.
func (w *Writer) UpdateFields(ctx context.Context, p access.Principal, ticketID int64, changes Changes) error {
	current, err := loadCore(ctx, w.db, ticketID)
	if err != nil {
		return err
	}
	if err := w.access.AssertAccess(ctx, p, current.ACLID, access.PermUpdate); err != nil {
		return err
	}
	resolved, err := w.validate(current.TypeID, changes)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		return nil
	}

	now := w.now().Unix()
	err = w.db.WithTx(ctx, func(tx *store.Tx) error {
		for _, fid := range sortedFieldIDs(resolved) {
			if err := w.setField(ctx, tx, ticketID, fid, resolved[fid], p.User.ID, now, true); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `UPDATE tickets SET lastmod_dt = ?, lastmod_uid = ? WHERE i = ?`, now, int64(p.User.ID), ticketID)
		return err
	})
	if err != nil {
		return apperr.Store("writer", fmt.Errorf("update ticket %d: %w", ticketID, err))
	}
	return nil
}

// CreateFromTemplate copies a template's values into a new ticket, then
// applies overrides. The principal needs CREATE on the template's ACL.
func (w *Writer) CreateFromTemplate(ctx context.Context, p access.Principal, templateID int64, overrides Changes) (int64, error) {
	tmpl, err := loadCore(ctx, w.db, templateID)
	if err != nil {
		return 0, err
	}
	if !tmpl.IsTemplate {
		return 0, apperr.NotFound("template %d", templateID)
	}
	if err := w.access.AssertAccess(ctx, p, tmpl.ACLID, access.PermCreate); err != nil {
		return 0, err
	}
	resolved, err := w.validate(tmpl.TypeID, overrides)
	if err != nil {
		return 0, err
	}

	now := w.now().Unix()
	uid := int64(p.User.ID)
	var id int64
	err = w.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = store.InsertID(ctx, tx, `
			INSERT INTO tickets (type_id, aid, is_template, template_id, owner_uid, created_dt, lastmod_dt, created_uid, lastmod_uid)
			VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?)
		`, "i", int64(tmpl.TypeID), int64(tmpl.ACLID), templateID, uid, now, now, uid, uid)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		for _, table := range []string{schema.TableInts, schema.TableFloats, schema.TableTexts} {
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+table+` (i, field_id, value)
				SELECT n.i, v.field_id, v.value
				FROM `+table+` v
				JOIN tickets n ON n.i = ?
				WHERE v.i = ?
				ORDER BY v.id
			`, id, templateID); err != nil {
				return fmt.Errorf("copy %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ticket_parents (i, parent_id)
			SELECT n.i, p.parent_id
			FROM ticket_parents p
			JOIN tickets n ON n.i = ?
			WHERE p.i = ?
		`, id, templateID); err != nil {
			return fmt.Errorf("copy parents: %w", err)
		}
		for _, fid := range sortedFieldIDs(resolved) {
			if err := w.setField(ctx, tx, id, fid, resolved[fid], p.User.ID, now, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Store("writer", fmt.Errorf("create from template %d: %w", templateID, err))
	}
	return id, nil
}

// Nuke removes a ticket and every row that references it.
func (w *Writer) Nuke(ctx context.Context, p access.Principal, ticketID int64) error {
	current, err := loadCore(ctx, w.db, ticketID)
	if err != nil {
		return err
	}
	if err := w.access.AssertAccess(ctx, p, current.ACLID, access.PermDelete); err != nil {
		return err
	}
	err = w.db.WithTx(ctx, func(tx *store.Tx) error {
		for _, table := range []string{
			schema.TableInts, schema.TableFloats, schema.TableTexts, schema.TableParents,
			schema.TableBinaries, "ticket_changelog", "tickets",
		} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE i = ?`, ticketID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		_, err := tx.Exec(ctx, `DELETE FROM ticket_parents WHERE parent_id = ?`, ticketID)
		return err
	})
	if err != nil {
		return apperr.Store("writer", fmt.Errorf("nuke ticket %d: %w", ticketID, err))
	}
	return nil
}

func (w *Writer) Changelog(ctx context.Context, ticketID int64) ([]ChangelogEntry, error) {
	rows, err := w.db.Query(ctx, `
		SELECT id, i, field_id, uid, chg_dt, value_old, value_new
		FROM ticket_changelog
		WHERE i = ?
		ORDER BY chg_dt, id
	`, ticketID)
	if err != nil {
		return nil, apperr.Store("writer", fmt.Errorf("query changelog: %w", err))
	}
	defer rows.Close()

	entries := make([]ChangelogEntry, 0)
	for rows.Next() {
		var e ChangelogEntry
		if err := rows.Scan(&e.ID, &e.TicketID, &e.FieldID, &e.UID, &e.At, &e.OldValue, &e.NewValue); err != nil {
			return nil, apperr.Store("writer", fmt.Errorf("scan changelog: %w", err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("writer", fmt.Errorf("iterate changelog: %w", err))
	}
	return entries, nil
}

// validate resolves aliases and checks every change before any write.
func (w *Writer) validate(typeID schema.TypeID, changes Changes) (map[schema.FieldID]fields.Value, error) {
	resolved := make(map[schema.FieldID]fields.Value, len(changes))
	for id, v := range changes {
		f, ok := w.schema.Field(id)
		if !ok {
			return nil, apperr.InvalidValue("unknown field %d", id)
		}
		canonical := w.schema.Canonical(id)
		desc, _ := w.schema.Field(canonical)
		if !w.schema.TypeHasField(typeID, canonical, schema.ScopeAll) {
			return nil, apperr.InvalidValue("ticket type %d has no field %q", typeID, f.Name)
		}
		if desc.Virtual() {
			return nil, apperr.InvalidValue("field %q is computed", f.Name)
		}
		if desc.Flags.Has(schema.FlagCustomSerialization) {
			if _, ok := w.handlers.Find(canonical).(fields.CustomWriter); !ok {
				return nil, apperr.InvalidValue("field %q cannot be written directly", f.Name)
			}
		} else if !schema.IsValueTable(desc.Table) {
			return nil, apperr.InvalidValue("field %q has no writable storage", f.Name)
		}
		if v == nil {
			if desc.Flags.Has(schema.FlagRequired) {
				return nil, apperr.InvalidValue("field %q is required", f.Name)
			}
			resolved[canonical] = nil
			continue
		}
		if err := w.validateValue(desc, v); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		resolved[canonical] = v
	}
	return resolved, nil
}

func (w *Writer) validateValue(f schema.FieldDescriptor, v fields.Value) error {
	handler := w.handlers.Find(f.ID)
	if list, ok := v.([]fields.Value); ok && f.Flags.Has(schema.FlagArray) && !f.Flags.Has(schema.FlagCustomSerialization) {
		for _, item := range list {
			if err := handler.Validate(item); err != nil {
				return err
			}
		}
		return nil
	}
	return handler.Validate(v)
}

func (w *Writer) setField(ctx context.Context, tx *store.Tx, ticketID int64, fid schema.FieldID, v fields.Value, uid access.UserID, now int64, logChange bool) error {
	f, _ := w.schema.Field(fid)
	handler := w.handlers.Find(fid)

	var before *string
	if logChange {
		old, err := w.plainValue(ctx, tx, ticketID, f)
		if err != nil {
			return err
		}
		before = old
	}

	if custom, ok := handler.(fields.CustomWriter); ok && f.Flags.Has(schema.FlagCustomSerialization) {
		if err := custom.Write(ctx, tx, ticketID, v); err != nil {
			return fmt.Errorf("write field %d: %w", fid, err)
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM `+f.Table+` WHERE i = ? AND field_id = ?`, ticketID, int(fid)); err != nil {
			return fmt.Errorf("clear field %d: %w", fid, err)
		}
		for _, item := range spreadValue(v) {
			if _, err := tx.Exec(ctx, `INSERT INTO `+f.Table+` (i, field_id, value) VALUES (?, ?, ?)`, ticketID, int(fid), item); err != nil {
				return fmt.Errorf("insert field %d: %w", fid, err)
			}
		}
	}

	if !logChange {
		return nil
	}
	var after *string
	if v != nil {
		s := plainOf(handler, v)
		after = &s
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ticket_changelog (i, field_id, uid, chg_dt, value_old, value_new)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticketID, int(fid), int64(uid), now, before, after); err != nil {
		return fmt.Errorf("log change of field %d: %w", fid, err)
	}
	return nil
}

// plainValue reads the current stored value of f as text for the changelog.
func (w *Writer) plainValue(ctx context.Context, q store.Queryer, ticketID int64, f schema.FieldDescriptor) (*string, error) {
	asm := NewAssembler(q, w.schema, w.handlers)
	var (
		values []stage2Value
		err    error
	)
	if f.Flags.Has(schema.FlagCustomSerialization) {
		values, err = asm.loadCustom(ctx, []int64{ticketID}, []schema.FieldID{f.ID})
	} else {
		values, err = asm.loadTable(ctx, f.Table, []int64{ticketID}, []schema.FieldID{f.ID})
	}
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	handler := w.handlers.Find(f.ID)
	var v fields.Value = values[0].value
	if f.Flags.Has(schema.FlagArray) && !f.Flags.Has(schema.FlagCustomSerialization) {
		list := make([]fields.Value, 0, len(values))
		for _, item := range values {
			list = append(list, item.value)
		}
		v = list
	}
	s := plainOf(handler, v)
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

func plainOf(h fields.Handler, v fields.Value) string {
	if list, ok := v.([]fields.Value); ok {
		s := ""
		for n, item := range list {
			if n > 0 {
				s += ", "
			}
			s += h.Plain(item)
		}
		return s
	}
	return h.Plain(v)
}

func spreadValue(v fields.Value) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []fields.Value:
		return x
	default:
		return []any{v}
	}
}

func sortedFieldIDs(m map[schema.FieldID]fields.Value) []schema.FieldID {
	ids := make([]schema.FieldID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
