package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"doreen/api/internal/access"
	"doreen/api/internal/schema"
)

const idxTickets = "doreen_tickets"

// MaxEngineHits caps how many ids one engine query may feed into a plan.
const MaxEngineHits = 1000

// TicketDocument is what the engine indexes for a ticket. Only searchable
// text plus the attributes needed to filter by access and type.
type TicketDocument struct {
	ID         int64    `json:"id"`
	TypeID     int64    `json:"typeId"`
	ACLID      int64    `json:"aclId"`
	IsTemplate bool     `json:"isTemplate"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Keywords   []string `json:"keywords"`
	// Text holds the other searchable text fields, plugin fields included,
	// one line per field.
	Text string `json:"text"`
}

// Meili is the external fulltext engine.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects and configures the ticket index. An unreachable server
// is not an error; the health loop picks it up once it answers.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.With().Str("component", "meili").Logger(),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTickets,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create ticket index (may already exist)")
	}

	index := m.client.Index(idxTickets)
	filterable := []interface{}{"aclId", "typeId", "isTemplate"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	// Order is Meilisearch's attribute ranking.
	searchable := []string{"title", "keywords", "body", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search returns the tickets matching text among the given ACLs and types,
// best first.
func (m *Meili) Search(text string, acls access.ACLSet, types []schema.TypeID, includeTemplates bool) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if acls.Empty() {
		return []Hit{}, nil
	}

	req := &meili.SearchRequest{
		IndexUID:             idxTickets,
		Query:                text,
		Limit:                MaxEngineHits,
		AttributesToRetrieve: []string{"id"},
		ShowRankingScore:     true,
	}
	if filters := engineFilters(acls, types, includeTemplates); len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{req},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]Hit, 0)
	for _, result := range resp.Results {
		for _, raw := range result.Hits {
			hit, err := decodeHit(raw)
			if err != nil {
				return nil, err
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// engineFilters renders ids into filter expressions. Every value is an
// integer formatted here, never caller text.
func engineFilters(acls access.ACLSet, types []schema.TypeID, includeTemplates bool) []string {
	var filters []string
	if !acls.All {
		ids := make([]string, 0, len(acls.IDs))
		for _, id := range acls.IDs {
			ids = append(ids, strconv.FormatInt(int64(id), 10))
		}
		filters = append(filters, "aclId IN ["+strings.Join(ids, ", ")+"]")
	}
	if len(types) > 0 {
		ids := make([]string, 0, len(types))
		for _, id := range types {
			ids = append(ids, strconv.FormatInt(int64(id), 10))
		}
		filters = append(filters, "typeId IN ["+strings.Join(ids, ", ")+"]")
	}
	if !includeTemplates {
		filters = append(filters, "isTemplate = false")
	}
	return filters
}

func decodeHit(hit meili.Hit) (Hit, error) {
	var out Hit
	raw, ok := hit["id"]
	if !ok {
		return Hit{}, fmt.Errorf("meilisearch hit without id")
	}
	if err := json.Unmarshal(raw, &out.TicketID); err != nil {
		return Hit{}, fmt.Errorf("decode hit id: %w", err)
	}
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &out.Score)
	}
	return out, nil
}

func (m *Meili) IndexTickets(docs []TicketDocument) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTickets).AddDocuments(docs, nil)
	return err
}

func (m *Meili) DeleteTicket(id int64) error {
	_, err := m.client.Index(idxTickets).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
