// Package search turns search criteria into a parameterized query plan and
// executes it page by page.
//
// All SQL produced here uses "?" placeholders for every value that is not a
// compile-time constant; the store rebinds them for the active dialect.
// Table names come from a fixed whitelist, never from request data.
package search

import (
	"strings"

	"doreen/api/internal/access"
	"doreen/api/internal/schema"
)

// PageSize is the number of tickets per result page.
const PageSize = 50

// Hit is one ticket returned by the external fulltext engine.
type Hit struct {
	TicketID int64
	Score    float64
}

// Criteria are the logical filters of one search. Drill-down values are
// ORed within a field and ANDed across fields; the access constraint is
// ANDed with everything.
type Criteria struct {
	Fulltext string
	TypeIDs  []schema.TypeID
	// DrillDown maps a field to the raw values the user picked.
	DrillDown        map[schema.FieldID][]string
	Access           access.ACLSet
	IncludeTemplates bool
	// EngineHits, when non-nil, replaces SQL fulltext matching with the
	// tickets the external engine found. An empty non-nil slice matches
	// nothing.
	EngineHits []Hit
}

func (c Criteria) HasFulltext() bool {
	return strings.TrimSpace(c.Fulltext) != ""
}

type SortKind int

const (
	SortDefault SortKind = iota
	SortField
	SortScore
	SortCreated
	SortChanged
	SortID
)

var sortKindNames = map[SortKind]string{
	SortDefault: "default",
	SortField:   "field",
	SortScore:   "score",
	SortCreated: "created",
	SortChanged: "changed",
	SortID:      "id",
}

func (k SortKind) String() string {
	if name, ok := sortKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// SortSpec is a search order. SortDefault means score when a fulltext
// term is present, otherwise newest first.
type SortSpec struct {
	Kind       SortKind
	FieldID    schema.FieldID
	Descending bool
}

// Page is one page of ordered ticket ids plus the size of the whole result.
type Page struct {
	IDs   []int64
	Total int
}

// FacetCount is how many matching tickets carry a drill-down value.
type FacetCount struct {
	Value string
	Count int
}

// Terms splits a fulltext query into the words to highlight.
func Terms(fulltext string) []string {
	seen := make(map[string]bool)
	terms := make([]string, 0)
	for _, word := range strings.Fields(fulltext) {
		word = strings.Trim(word, `"'+-*()`)
		key := strings.ToLower(word)
		if word == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, word)
	}
	return terms
}
