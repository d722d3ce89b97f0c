package search

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"doreen/api/internal/access"
	"doreen/api/internal/schema"
)

type fakeSearcher struct {
	healthy bool
	hits    []Hit
	err     error
	calls   int
}

func (f *fakeSearcher) Search(string, access.ACLSet, []schema.TypeID, bool) ([]Hit, error) {
	f.calls++
	return f.hits, f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func TestEngineFallsBackToSQL(t *testing.T) {
	withText := Criteria{Fulltext: "printer", Access: access.ACLSet{All: true}}

	cases := []struct {
		name     string
		searcher *fakeSearcher
		criteria Criteria
		wantOK   bool
		wantHits []Hit
	}{
		{name: "healthy engine answers", searcher: &fakeSearcher{healthy: true, hits: []Hit{{TicketID: 4, Score: 1}}}, criteria: withText, wantOK: true, wantHits: []Hit{{TicketID: 4, Score: 1}}},
		{name: "no hits is an answer", searcher: &fakeSearcher{healthy: true}, criteria: withText, wantOK: true, wantHits: []Hit{}},
		{name: "unhealthy", searcher: &fakeSearcher{}, criteria: withText},
		{name: "engine error", searcher: &fakeSearcher{healthy: true, err: errors.New("boom")}, criteria: withText},
		{name: "no fulltext", searcher: &fakeSearcher{healthy: true}, criteria: Criteria{Access: access.ACLSet{All: true}}},
		{name: "truncated", searcher: &fakeSearcher{healthy: true, hits: make([]Hit, MaxEngineHits)}, criteria: withText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newEngine(tc.searcher, nil, zerolog.Nop())
			hits, ok := engine.Hits(tc.criteria)
			if ok != tc.wantOK {
				t.Fatalf("Hits() ok = %v, want %v", ok, tc.wantOK)
			}
			if diff := cmp.Diff(tc.wantHits, hits); diff != "" {
				t.Fatalf("Hits() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	var missing *Engine
	if _, ok := missing.Hits(withText); ok {
		t.Fatal("nil engine must fall back")
	}
	if _, ok := NewEngine(nil, zerolog.Nop()).Hits(withText); ok {
		t.Fatal("engine without meilisearch must fall back")
	}
}

func TestEngineFilters(t *testing.T) {
	got := engineFilters(access.ACLSet{IDs: []access.ACLID{3, 5}}, []schema.TypeID{1}, false)
	want := []string{"aclId IN [3, 5]", "typeId IN [1]", "isTemplate = false"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("engineFilters() mismatch (-want +got):\n%s", diff)
	}
	if got := engineFilters(access.ACLSet{All: true}, nil, true); len(got) != 0 {
		t.Fatalf("admin filters = %v, want none", got)
	}
}
