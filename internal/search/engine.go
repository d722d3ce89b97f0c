package search

import (
	"github.com/rs/zerolog"

	"doreen/api/internal/access"
	"doreen/api/internal/schema"
)

// Searcher is the external engine as seen by Engine.
type Searcher interface {
	Search(text string, acls access.ACLSet, types []schema.TypeID, includeTemplates bool) ([]Hit, error)
	Healthy() bool
}

// Indexer pushes tickets into the external engine.
type Indexer interface {
	IndexTickets(docs []TicketDocument) error
	DeleteTicket(id int64) error
}

// Engine tries the external engine for fulltext and reports when the
// caller has to fall back to SQL matching.
type Engine struct {
	searcher Searcher
	indexer  Indexer
	log      zerolog.Logger
}

// NewEngine accepts a nil Meili; every search then falls back to SQL.
func NewEngine(m *Meili, log zerolog.Logger) *Engine {
	e := &Engine{log: log.With().Str("component", "search").Logger()}
	if m != nil {
		e.searcher = m
		e.indexer = m
	}
	return e
}

func newEngine(s Searcher, i Indexer, log zerolog.Logger) *Engine {
	return &Engine{searcher: s, indexer: i, log: log}
}

// Hits returns the engine's answer for criteria, or ok=false when the SQL
// fulltext path must be used instead.
func (e *Engine) Hits(c Criteria) (hits []Hit, ok bool) {
	if e == nil || e.searcher == nil || !c.HasFulltext() || !e.searcher.Healthy() {
		return nil, false
	}
	hits, err := e.searcher.Search(c.Fulltext, c.Access, c.TypeIDs, c.IncludeTemplates)
	if err != nil {
		e.log.Warn().Err(err).Msg("meilisearch error, falling back to sql fulltext")
		return nil, false
	}
	if len(hits) >= MaxEngineHits {
		// A truncated answer would silently drop matches.
		e.log.Debug().Int("hits", len(hits)).Msg("engine answer truncated, using sql fulltext")
		return nil, false
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, true
}

// IndexTicket indexes asynchronously; failures are logged.
func (e *Engine) IndexTicket(doc TicketDocument) {
	if e == nil || e.indexer == nil || (e.searcher != nil && !e.searcher.Healthy()) {
		return
	}
	go func() {
		if err := e.indexer.IndexTickets([]TicketDocument{doc}); err != nil {
			e.log.Warn().Err(err).Int64("ticket", doc.ID).Msg("index ticket")
		}
	}()
}

func (e *Engine) DeleteTicket(id int64) {
	if e == nil || e.indexer == nil || (e.searcher != nil && !e.searcher.Healthy()) {
		return
	}
	go func() {
		if err := e.indexer.DeleteTicket(id); err != nil {
			e.log.Warn().Err(err).Int64("ticket", id).Msg("delete ticket from index")
		}
	}()
}

// Reindex pushes docs synchronously, for bootstrap.
func (e *Engine) Reindex(docs []TicketDocument) {
	if e == nil || e.indexer == nil || (e.searcher != nil && !e.searcher.Healthy()) {
		return
	}
	if err := e.indexer.IndexTickets(docs); err != nil {
		e.log.Warn().Err(err).Int("tickets", len(docs)).Msg("reindex tickets")
	}
}
