package search

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"doreen/api/internal/apperr"
	"doreen/api/internal/schema"
	"doreen/api/internal/store"
)

type Executor struct {
	db store.Queryer
}

func NewExecutor(db store.Queryer) *Executor {
	return &Executor{db: db}
}

// Execute returns the requested 1-based page and the size of the whole
// result. A page past the end is empty but still carries the total.
func (e *Executor) Execute(ctx context.Context, plan Plan, page, pageSize int) (Page, error) {
	if page < 1 {
		return Page{}, apperr.InvalidFilter("page %d: pages start at 1", page)
	}
	if pageSize < 1 {
		return Page{}, apperr.InvalidFilter("page size %d must be positive", pageSize)
	}
	if plan.Empty {
		return Page{IDs: []int64{}, Total: 0}, nil
	}

	where, args := plan.Where()
	order, orderArgs := plan.OrderBy()
	args = append(args, orderArgs...)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := e.db.Query(ctx, `
		SELECT t.i, COUNT(*) OVER ()
		FROM tickets t
		WHERE `+where+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return Page{}, apperr.Store("executor", fmt.Errorf("query ticket page: %w", err))
	}
	defer rows.Close()

	result := Page{IDs: make([]int64, 0, pageSize)}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id, &result.Total); err != nil {
			return Page{}, apperr.Store("executor", fmt.Errorf("scan ticket page: %w", err))
		}
		result.IDs = append(result.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return Page{}, apperr.Store("executor", fmt.Errorf("iterate ticket page: %w", err))
	}

	// The window count rides on the page rows; past the end there are none.
	if len(result.IDs) == 0 && page > 1 {
		total, err := e.Count(ctx, plan)
		if err != nil {
			return Page{}, err
		}
		result.Total = total
	}
	return result, nil
}

// Count returns the number of tickets matching the plan.
func (e *Executor) Count(ctx context.Context, plan Plan) (int, error) {
	if plan.Empty {
		return 0, nil
	}
	where, args := plan.Where()
	var n int
	if err := e.db.QueryRow(ctx, `SELECT COUNT(*) FROM tickets t WHERE `+where, args...).Scan(&n); err != nil {
		return 0, apperr.Store("executor", fmt.Errorf("count tickets: %w", err))
	}
	return n, nil
}

// Types lists the distinct ticket types in the whole result, not only the
// current page.
func (e *Executor) Types(ctx context.Context, plan Plan) ([]schema.TypeID, error) {
	types := make([]schema.TypeID, 0)
	if plan.Empty {
		return types, nil
	}
	where, args := plan.Where()
	rows, err := e.db.Query(ctx, `
		SELECT DISTINCT t.type_id
		FROM tickets t
		WHERE `+where+`
		ORDER BY t.type_id
	`, args...)
	if err != nil {
		return nil, apperr.Store("executor", fmt.Errorf("query result types: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var id schema.TypeID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Store("executor", fmt.Errorf("scan result type: %w", err))
		}
		types = append(types, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("executor", fmt.Errorf("iterate result types: %w", err))
	}
	return types, nil
}

// Facets counts, per drill-down field, how many matching tickets carry each
// value. Fields without a value table are skipped.
func (e *Executor) Facets(ctx context.Context, plan Plan, reg *schema.Registry, fieldIDs []schema.FieldID) (map[schema.FieldID][]FacetCount, error) {
	out := make(map[schema.FieldID][]FacetCount)
	if plan.Empty {
		return out, nil
	}
	ids := slices.Clone(fieldIDs)
	slices.Sort(ids)

	for _, id := range slices.Compact(ids) {
		f, ok := reg.Field(reg.Canonical(id))
		if !ok || !schema.IsValueTable(f.Table) {
			continue
		}
		where, whereArgs := plan.Where()
		args := append([]any{int(f.ID)}, whereArgs...)
		rows, err := e.db.Query(ctx, `
			SELECT fv.value, COUNT(DISTINCT t.i)
			FROM tickets t
			JOIN `+f.Table+` fv ON fv.i = t.i AND fv.field_id = ?
			WHERE `+where+`
			GROUP BY fv.value
			ORDER BY COUNT(DISTINCT t.i) DESC, fv.value
		`, args...)
		if err != nil {
			return nil, apperr.Store("executor", fmt.Errorf("query facets of field %d: %w", id, err))
		}
		counts, err := scanFacets(rows)
		if err != nil {
			return nil, apperr.Store("executor", fmt.Errorf("facets of field %d: %w", id, err))
		}
		out[id] = counts
	}
	return out, nil
}

func scanFacets(rows *sql.Rows) ([]FacetCount, error) {
	defer rows.Close()
	counts := make([]FacetCount, 0)
	for rows.Next() {
		var (
			value sql.NullString
			count int
		)
		if err := rows.Scan(&value, &count); err != nil {
			return nil, fmt.Errorf("scan facet: %w", err)
		}
		if !value.Valid {
			continue
		}
		counts = append(counts, FacetCount{Value: value.String, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facets: %w", err)
	}
	return counts, nil
}
