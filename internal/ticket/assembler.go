package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"doreen/api/internal/apperr"
	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
	"doreen/api/internal/store"
)

// Assembler loads tickets in two stages: one batched query for the core
// columns, then per-table batched queries for field values. Stage-2 loaders
// are read-only and run concurrently.
type Assembler struct {
	db       store.Queryer
	schema   *schema.Registry
	handlers *fields.Registry
}

func NewAssembler(db store.Queryer, reg *schema.Registry, handlers *fields.Registry) *Assembler {
	return &Assembler{db: db, schema: reg, handlers: handlers}
}

// stage2Value is one decoded value row.
type stage2Value struct {
	ticketID int64
	fieldID  schema.FieldID
	value    fields.Value
}

// PopulateMany returns the tickets among ids that still exist. visible
// narrows which fields stage 2 reads; nil means every field the loaded
// types declare at level. Values are kept only for fields the ticket's own
// type declares at level.
func (a *Assembler) PopulateMany(ctx context.Context, ids []int64, visible []schema.FieldDescriptor, level PopulationLevel) (map[int64]*Ticket, error) {
	out := make(map[int64]*Ticket, len(ids))
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return out, nil
	}

	if err := a.stage1(ctx, ids, level, out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	present := make([]int64, 0, len(out))
	typeIDs := make([]schema.TypeID, 0)
	for id, tk := range out {
		present = append(present, id)
		if !slices.Contains(typeIDs, tk.TypeID) {
			typeIDs = append(typeIDs, tk.TypeID)
		}
	}
	slices.Sort(present)
	slices.Sort(typeIDs)
	if visible == nil {
		visible = a.schema.VisibleFields(typeIDs, level.Scope())
	}

	values, err := a.stage2(ctx, present, visible)
	if err != nil {
		return nil, err
	}

	for _, v := range values {
		tk, ok := out[v.ticketID]
		if !ok || !a.schema.TypeHasField(tk.TypeID, v.fieldID, level.Scope()) {
			continue
		}
		f, _ := a.schema.Field(v.fieldID)
		if f.Flags.Has(schema.FlagArray) && !f.Flags.Has(schema.FlagCustomSerialization) {
			list, _ := tk.Values[v.fieldID].([]fields.Value)
			tk.Values[v.fieldID] = append(list, v.value)
			continue
		}
		if _, seen := tk.Values[v.fieldID]; !seen {
			tk.Values[v.fieldID] = v.value
		}
	}

	if title, ok := a.schema.Field(schema.FieldTitle); ok && containsField(visible, title.ID) {
		for _, tk := range out {
			if tk.Title != "" && a.schema.TypeHasField(tk.TypeID, title.ID, level.Scope()) {
				tk.Values[title.ID] = tk.Title
			}
		}
	}
	return out, nil
}

// Populate loads a single ticket; a missing ticket is ErrNotFound.
func (a *Assembler) Populate(ctx context.Context, id int64, level PopulationLevel) (*Ticket, error) {
	tickets, err := a.PopulateMany(ctx, []int64{id}, nil, level)
	if err != nil {
		return nil, err
	}
	tk, ok := tickets[id]
	if !ok {
		return nil, apperr.NotFound("ticket %d", id)
	}
	return tk, nil
}

func (a *Assembler) stage1(ctx context.Context, ids []int64, level PopulationLevel, out map[int64]*Ticket) error {
	args := make([]any, 0, len(ids)+1)
	args = append(args, int(schema.FieldTitle))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := a.db.Query(ctx, `
		SELECT t.i, t.type_id, t.aid, t.is_template, t.template_id, t.owner_uid,
			t.created_dt, t.lastmod_dt, t.created_uid, t.lastmod_uid,
			(SELECT MIN(tt.value) FROM ticket_texts tt WHERE tt.i = t.i AND tt.field_id = ?)
		FROM tickets t
		WHERE t.i IN (`+store.Placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return apperr.Store("assembler", fmt.Errorf("query core columns: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tk         Ticket
			isTemplate int
			templateID sql.NullInt64
			ownerUID   sql.NullInt64
			title      sql.NullString
		)
		if err := rows.Scan(&tk.ID, &tk.TypeID, &tk.ACLID, &isTemplate, &templateID, &ownerUID,
			&tk.Created, &tk.Changed, &tk.CreatedUID, &tk.ChangedUID, &title); err != nil {
			return apperr.Store("assembler", fmt.Errorf("scan core columns: %w", err))
		}
		tk.IsTemplate = isTemplate != 0
		tk.TemplateID = templateID.Int64
		tk.OwnerUID = ownerUID.Int64
		tk.Title = title.String
		tk.Values = make(map[schema.FieldID]fields.Value)
		tk.Level = level
		out[tk.ID] = &tk
	}
	if err := rows.Err(); err != nil {
		return apperr.Store("assembler", fmt.Errorf("iterate core columns: %w", err))
	}
	return nil
}

func (a *Assembler) stage2(ctx context.Context, ids []int64, visible []schema.FieldDescriptor) ([]stage2Value, error) {
	byTable := make(map[string][]schema.FieldID)
	var custom []schema.FieldID
	for _, f := range visible {
		canonical := a.schema.Canonical(f.ID)
		if canonical == schema.FieldTitle {
			continue
		}
		desc, ok := a.schema.Field(canonical)
		if !ok || desc.Virtual() {
			continue
		}
		if desc.Flags.Has(schema.FlagCustomSerialization) {
			if _, ok := a.handlers.Find(canonical).(fields.CustomLoader); ok && !slices.Contains(custom, canonical) {
				custom = append(custom, canonical)
			}
			continue
		}
		if schema.IsValueTable(desc.Table) && !slices.Contains(byTable[desc.Table], canonical) {
			byTable[desc.Table] = append(byTable[desc.Table], canonical)
		}
	}

	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	slices.Sort(tables)

	results := make([][]stage2Value, len(tables)+1)
	g, gctx := errgroup.WithContext(ctx)
	for n, table := range tables {
		g.Go(func() error {
			values, err := a.loadTable(gctx, table, ids, byTable[table])
			results[n] = values
			return err
		})
	}
	if len(custom) > 0 {
		g.Go(func() error {
			values, err := a.loadCustom(gctx, ids, custom)
			results[len(tables)] = values
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Store("assembler", err)
	}

	var all []stage2Value
	for _, values := range results {
		all = append(all, values...)
	}
	return all, nil
}

func (a *Assembler) loadTable(ctx context.Context, table string, ids []int64, fieldIDs []schema.FieldID) ([]stage2Value, error) {
	args := make([]any, 0, len(ids)+len(fieldIDs))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, fid := range fieldIDs {
		args = append(args, int(fid))
	}

	rows, err := a.db.Query(ctx, `
		SELECT v.i, v.field_id, v.value
		FROM `+table+` v
		WHERE v.i IN (`+store.Placeholders(len(ids))+`)
			AND v.field_id IN (`+store.Placeholders(len(fieldIDs))+`)
		ORDER BY v.i, v.field_id, v.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []stage2Value
	for rows.Next() {
		var (
			row stage2Value
			raw any
		)
		if err := rows.Scan(&row.ticketID, &row.fieldID, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if raw == nil {
			continue
		}
		if row.value, err = a.handlers.Find(row.fieldID).Decode(raw); err != nil {
			return nil, fmt.Errorf("decode field %d of ticket %d: %w", row.fieldID, row.ticketID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// loadCustom reads every custom-serialization field in one query: each
// loader contributes a correlated column.
func (a *Assembler) loadCustom(ctx context.Context, ids []int64, fieldIDs []schema.FieldID) ([]stage2Value, error) {
	loaders := make([]fields.CustomLoader, 0, len(fieldIDs))
	columns := make([]string, 0, len(fieldIDs))
	var args []any
	for _, fid := range fieldIDs {
		loader := a.handlers.Find(fid).(fields.CustomLoader)
		expr, exprArgs := loader.Stage2Select(a.db.Dialect())
		loaders = append(loaders, loader)
		columns = append(columns, expr)
		args = append(args, exprArgs...)
	}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := a.db.Query(ctx, `
		SELECT t.i, `+strings.Join(columns, ", ")+`
		FROM tickets t
		WHERE t.i IN (`+store.Placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query custom fields: %w", err)
	}
	defer rows.Close()

	var out []stage2Value
	for rows.Next() {
		var ticketID int64
		raw := make([]any, len(loaders))
		dest := make([]any, 0, len(loaders)+1)
		dest = append(dest, &ticketID)
		for n := range raw {
			dest = append(dest, &raw[n])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan custom fields: %w", err)
		}
		for n, loader := range loaders {
			v, err := loader.Decode(raw[n])
			if err != nil {
				return nil, fmt.Errorf("decode field %d of ticket %d: %w", fieldIDs[n], ticketID, err)
			}
			out = append(out, stage2Value{ticketID: ticketID, fieldID: fieldIDs[n], value: v})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custom fields: %w", err)
	}
	return out, nil
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func containsField(fields []schema.FieldDescriptor, id schema.FieldID) bool {
	return slices.ContainsFunc(fields, func(f schema.FieldDescriptor) bool { return f.ID == id })
}

// loadCore reads one ticket's core columns, for the write path.
func loadCore(ctx context.Context, q store.Queryer, id int64) (Ticket, error) {
	var (
		tk         Ticket
		isTemplate int
	)
	err := q.QueryRow(ctx, `SELECT i, type_id, aid, is_template FROM tickets WHERE i = ?`, id).
		Scan(&tk.ID, &tk.TypeID, &tk.ACLID, &isTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, apperr.NotFound("ticket %d", id)
	}
	if err != nil {
		return Ticket{}, apperr.Store("writer", fmt.Errorf("read ticket %d: %w", id, err))
	}
	tk.IsTemplate = isTemplate != 0
	return tk, nil
}
