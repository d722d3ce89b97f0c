package search

import (
	"fmt"
	"slices"
	"strings"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/fields"
	"doreen/api/internal/schema"
	"doreen/api/internal/store"
)

// Plan is a composed search: a WHERE predicate and an ORDER BY clause over
// the ticket alias "t", each with its bound arguments in textual order.
type Plan struct {
	// Empty plans match nothing and are never sent to the store.
	Empty bool
	Terms []string

	where     []string
	whereArgs []any
	order     string
	orderArgs []any
}

// Where returns the predicate joined with AND.
func (p Plan) Where() (string, []any) {
	if len(p.where) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(p.where, "\n\t\t\tAND "), slices.Clone(p.whereArgs)
}

func (p Plan) OrderBy() (string, []any) {
	return p.order, slices.Clone(p.orderArgs)
}

func (p *Plan) and(fragment string, args ...any) {
	p.where = append(p.where, fragment)
	p.whereArgs = append(p.whereArgs, args...)
}

type Builder struct {
	schema   *schema.Registry
	handlers *fields.Registry
	dialect  store.Dialect
}

func NewBuilder(reg *schema.Registry, handlers *fields.Registry, dialect store.Dialect) *Builder {
	return &Builder{schema: reg, handlers: handlers, dialect: dialect}
}

// Build validates criteria and sort and composes the plan. It performs no
// I/O. A caller with no usable ACL gets an empty plan, not an error.
func (b *Builder) Build(c Criteria, sort SortSpec) (Plan, error) {
	plan := Plan{Terms: Terms(c.Fulltext)}
	if c.Access.Empty() || (c.EngineHits != nil && len(c.EngineHits) == 0) {
		plan.Empty = true
		return plan, nil
	}

	if !c.Access.All {
		ids := make([]any, 0, len(c.Access.IDs))
		for _, id := range c.Access.IDs {
			ids = append(ids, int64(id))
		}
		plan.and("t.aid IN ("+store.Placeholders(len(ids))+")", ids...)
	}
	if !c.IncludeTemplates {
		plan.and("t.is_template = 0")
	}
	if len(c.TypeIDs) > 0 {
		ids := make([]any, 0, len(c.TypeIDs))
		for _, id := range c.TypeIDs {
			if _, ok := b.schema.Type(id); !ok {
				return Plan{}, apperr.InvalidFilter("unknown ticket type %d", id)
			}
			ids = append(ids, int64(id))
		}
		plan.and("t.type_id IN ("+store.Placeholders(len(ids))+")", ids...)
	}
	if err := b.addDrillDown(&plan, c.DrillDown); err != nil {
		return Plan{}, err
	}

	var score string
	var scoreArgs []any
	switch {
	case c.EngineHits != nil:
		score, scoreArgs = b.engineScore(&plan, c.EngineHits)
	case c.HasFulltext():
		score, scoreArgs = b.fulltext(&plan, c.Fulltext)
	}

	if err := b.order(&plan, sort, score, scoreArgs); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Validate runs every check Build runs, regardless of the caller's ACLs.
func (b *Builder) Validate(c Criteria, sort SortSpec) error {
	c.Access = access.ACLSet{All: true}
	c.EngineHits = nil
	_, err := b.Build(c, sort)
	return err
}

func (b *Builder) addDrillDown(plan *Plan, drill map[schema.FieldID][]string) error {
	ids := make([]schema.FieldID, 0, len(drill))
	for id := range drill {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for n, id := range ids {
		f, ok := b.schema.Field(id)
		if !ok {
			return apperr.InvalidFilter("unknown drill-down field %d", id)
		}
		canonical, _ := b.schema.Field(b.schema.Canonical(id))
		if !f.Flags.Has(schema.FlagDrillDown) && !canonical.Flags.Has(schema.FlagDrillDown) {
			return apperr.InvalidFilter("field %q does not support drill-down", f.Name)
		}
		raw := drill[id]
		if len(raw) == 0 {
			return apperr.InvalidFilter("drill-down on %q without values", f.Name)
		}

		handler := b.handlers.Find(canonical.ID)
		values := make([]any, 0, len(raw))
		for _, r := range raw {
			v, err := handler.SQLValue(r)
			if err != nil {
				return apperr.InvalidFilter("drill-down on %q: %v", f.Name, err)
			}
			values = append(values, v)
		}

		alias := fmt.Sprintf("d%d", n)
		switch {
		case schema.IsValueTable(canonical.Table):
			args := append([]any{int(canonical.ID)}, values...)
			plan.and(fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s %s WHERE %s.i = t.i AND %s.field_id = ? AND %s.value IN (%s))",
				canonical.Table, alias, alias, alias, alias, store.Placeholders(len(values))), args...)
		case canonical.Table == schema.TableParents:
			plan.and(fmt.Sprintf(
				"EXISTS (SELECT 1 FROM ticket_parents %s WHERE %s.i = t.i AND %s.parent_id IN (%s))",
				alias, alias, alias, store.Placeholders(len(values))), values...)
		default:
			return apperr.InvalidFilter("field %q has no filterable storage", f.Name)
		}
	}
	return nil
}

type weightedField struct {
	id     schema.FieldID
	weight int
}

func (b *Builder) searchableFields() []weightedField {
	var out []weightedField
	for _, f := range b.schema.Fields() {
		if f.AliasOf != 0 || f.Table != schema.TableTexts || !f.Flags.Has(schema.FlagSearchable) {
			continue
		}
		weight := b.handlers.Find(f.ID).SearchWeight()
		if weight <= 0 {
			weight = 1
		}
		if f.Flags.Has(schema.FlagSearchBoost) {
			weight *= 2
		}
		out = append(out, weightedField{id: f.ID, weight: weight})
	}
	return out
}

// fulltext adds the match predicate and returns the weighted score
// expression: the sum over searchable text rows of weight * relevance.
func (b *Builder) fulltext(plan *Plan, text string) (string, []any) {
	searchable := b.searchableFields()
	if len(searchable) == 0 {
		plan.and("1 = 0")
		return "0", nil
	}
	text = strings.TrimSpace(text)

	fieldArgs := make([]any, 0, len(searchable))
	for _, f := range searchable {
		fieldArgs = append(fieldArgs, int(f.id))
	}
	in := store.Placeholders(len(fieldArgs))

	matchArgs := append(slices.Clone(fieldArgs), text)
	plan.and("EXISTS (SELECT 1 FROM ticket_texts ftm WHERE ftm.i = t.i AND ftm.field_id IN ("+in+") AND "+
		b.dialect.FulltextMatch("ftm.value")+")", matchArgs...)

	// Weights are literal integers so the CASE types as an integer everywhere.
	var weightCase strings.Builder
	weightCase.WriteString("CASE fts.field_id")
	for _, f := range searchable {
		fmt.Fprintf(&weightCase, " WHEN %d THEN %d", f.id, f.weight)
	}
	weightCase.WriteString(" ELSE 0 END")
	scoreArgs := append([]any{text}, fieldArgs...)

	score := "(SELECT COALESCE(SUM((" + weightCase.String() + ") * " + b.dialect.FulltextScore("fts.value") +
		"), 0) FROM ticket_texts fts WHERE fts.i = t.i AND fts.field_id IN (" + in + "))"
	return score, scoreArgs
}

// engineScore constrains the plan to the engine's hits and scores them by
// their rank in the engine's answer.
func (b *Builder) engineScore(plan *Plan, hits []Hit) (string, []any) {
	ranked := slices.Clone(hits)
	slices.SortStableFunc(ranked, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	ids := make([]any, 0, len(ranked))
	var (
		score strings.Builder
		args  []any
	)
	score.WriteString("(CASE t.i")
	for n, h := range ranked {
		ids = append(ids, h.TicketID)
		fmt.Fprintf(&score, " WHEN ? THEN %d", len(ranked)-n)
		args = append(args, h.TicketID)
	}
	score.WriteString(" ELSE 0 END)")
	plan.and("t.i IN ("+store.Placeholders(len(ids))+")", ids...)
	return score.String(), args
}

func (b *Builder) order(plan *Plan, sort SortSpec, score string, scoreArgs []any) error {
	kind := sort.Kind
	desc := sort.Descending
	if kind == SortDefault {
		// Relevance and recency both read best highest first.
		desc = true
		kind = SortCreated
		if score != "" {
			kind = SortScore
		}
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	tieBreak := "t.i " + dir

	switch kind {
	case SortScore:
		if score == "" {
			return apperr.InvalidFilter("sorting by relevance requires a fulltext term")
		}
		plan.order = score + " " + dir + ", " + tieBreak
		plan.orderArgs = scoreArgs
	case SortCreated:
		plan.order = "t.created_dt " + dir + ", " + tieBreak
	case SortChanged:
		plan.order = "t.lastmod_dt " + dir + ", " + tieBreak
	case SortID:
		plan.order = tieBreak
	case SortField:
		f, ok := b.schema.Field(sort.FieldID)
		if !ok {
			return apperr.InvalidFilter("unknown sort field %d", sort.FieldID)
		}
		if f.Virtual() {
			return apperr.InvalidFilter("cannot sort by virtual field %q", f.Name)
		}
		canonical, _ := b.schema.Field(b.schema.Canonical(f.ID))
		if !f.Flags.Has(schema.FlagSortable) && !canonical.Flags.Has(schema.FlagSortable) {
			return apperr.InvalidFilter("field %q is not sortable", f.Name)
		}
		if !schema.IsValueTable(canonical.Table) {
			return apperr.InvalidFilter("field %q has no sortable storage", f.Name)
		}
		agg := "MIN"
		if desc {
			agg = "MAX"
		}
		value := fmt.Sprintf("(SELECT %s(sv.value) FROM %s sv WHERE sv.i = t.i AND sv.field_id = ?)", agg, canonical.Table)
		// Tickets without a value sort last in both directions on every backend.
		plan.order = "CASE WHEN " + value + " IS NULL THEN 1 ELSE 0 END, " + value + " " + dir + ", " + tieBreak
		plan.orderArgs = []any{int(canonical.ID), int(canonical.ID)}
	default:
		return apperr.InvalidFilter("unknown sort kind %d", kind)
	}
	return nil
}
