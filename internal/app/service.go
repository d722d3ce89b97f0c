package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/attachment"
	"doreen/api/internal/authpw"
	"doreen/api/internal/config"
	"doreen/api/internal/fields"
	"doreen/api/internal/format"
	"doreen/api/internal/schema"
	"doreen/api/internal/search"
	"doreen/api/internal/session"
	"doreen/api/internal/store"
	"doreen/api/internal/ticket"
	"doreen/api/internal/wiki"
)

// wikiTypeName names the ticket type whose title and description are kept
// under revision control.
const wikiTypeName = "Wiki"

const reindexBatch = 200

// SearchRequest is one list query as the request layer sees it. A zero Page
// means the first page. Page size is fixed by configuration.
type SearchRequest struct {
	UserID           access.UserID
	Fulltext         string
	TypeIDs          []schema.TypeID
	DrillDown        map[schema.FieldID][]string
	Sort             search.SortSpec
	Page             int
	IncludeTemplates bool
}

// FindResults is one page of a search plus everything needed to render it.
type FindResults struct {
	IDs      []int64
	Total    int
	Page     int
	PageSize int
	// Types are the ticket types of the whole result, not only this page.
	Types   []schema.TypeID
	Terms   []string
	Tickets map[int64]*ticket.Ticket
	Columns []schema.FieldDescriptor
	Facets  map[schema.FieldID][]search.FacetCount
	Sort    search.SortSpec
}

// FieldInput maps field names or numeric ids to raw values. An empty list
// clears the field.
type FieldInput map[string][]string

// UnmarshalJSON accepts a scalar, an array of scalars or null per field.
func (in *FieldInput) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	out := make(FieldInput, len(members))
	for key, msg := range members {
		dec := json.NewDecoder(bytes.NewReader(msg))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		items, ok := v.([]any)
		if !ok {
			items = []any{v}
		}
		values := make([]string, 0, len(items))
		for _, item := range items {
			switch x := item.(type) {
			case nil:
			case string:
				values = append(values, x)
			case json.Number:
				values = append(values, x.String())
			case bool:
				values = append(values, strconv.FormatBool(x))
			default:
				return fmt.Errorf("field %q: unsupported value %T", key, item)
			}
		}
		out[key] = values
	}
	*in = out
	return nil
}

type Deps struct {
	DB       *store.DB
	Schema   *schema.Holder
	Handlers *fields.Registry
	Engine   *search.Engine
	Blobs    attachment.Blobs
	Wiki     *wiki.Service
	Sessions session.Store
	Log      zerolog.Logger
}

type Service struct {
	cfg         config.Config
	db          *store.DB
	schema      *schema.Holder
	handlers    *fields.Registry
	access      *access.Resolver
	engine      *search.Engine
	attachments *attachment.Service
	wiki        *wiki.Service
	sessions    session.Store
	passwords   *authpw.Service
	formatter   *format.Formatter
	pageSize    int
	log         zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	resolver := access.NewResolver(access.NewSQLStore(deps.DB))
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = search.PageSize
	}
	return &Service{
		cfg:         cfg,
		db:          deps.DB,
		schema:      deps.Schema,
		handlers:    deps.Handlers,
		access:      resolver,
		engine:      deps.Engine,
		attachments: attachment.NewService(deps.DB, deps.Blobs, resolver),
		wiki:        deps.Wiki,
		sessions:    deps.Sessions,
		passwords:   authpw.NewService(authpw.NewSQLUserStore(deps.DB)),
		formatter:   format.New(deps.Handlers),
		pageSize:    pageSize,
		log:         deps.Log.With().Str("component", "app").Logger(),
	}
}

// pipeline holds the components bound to one schema snapshot, so a reload
// never changes the schema under a running request.
type pipeline struct {
	schema    *schema.Registry
	builder   *search.Builder
	executor  *search.Executor
	assembler *ticket.Assembler
	writer    *ticket.Writer
}

func (s *Service) pipeline() pipeline {
	reg := s.schema.Get()
	return pipeline{
		schema:    reg,
		builder:   search.NewBuilder(reg, s.handlers, s.db.Dialect()),
		executor:  search.NewExecutor(s.db),
		assembler: ticket.NewAssembler(s.db, reg, s.handlers),
		writer:    ticket.NewWriter(s.db, reg, s.handlers, s.access),
	}
}

func (s *Service) Schema() *schema.Registry { return s.schema.Get() }

func (s *Service) Formatter() *format.Formatter { return s.formatter }

// Search runs the whole pipeline: validation, access resolution, the
// optional external engine, plan, page, types, population and facets.
// Criteria are validated before the store is touched.
func (s *Service) Search(ctx context.Context, req SearchRequest) (FindResults, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.Page < 1 {
		return FindResults{}, apperr.InvalidFilter("page %d: pages start at 1", req.Page)
	}

	pl := s.pipeline()
	criteria := search.Criteria{
		Fulltext:         req.Fulltext,
		TypeIDs:          req.TypeIDs,
		DrillDown:        req.DrillDown,
		IncludeTemplates: req.IncludeTemplates,
	}
	if err := pl.builder.Validate(criteria, req.Sort); err != nil {
		return FindResults{}, err
	}

	p, err := s.access.Principal(ctx, req.UserID)
	if err != nil {
		return FindResults{}, err
	}
	criteria.Access, err = s.access.ResolveACLs(ctx, p, access.PermRead)
	if err != nil {
		return FindResults{}, err
	}
	if !criteria.Access.Empty() {
		if hits, ok := s.engine.Hits(criteria); ok {
			criteria.EngineHits = hits
		}
	}

	plan, err := pl.builder.Build(criteria, req.Sort)
	if err != nil {
		return FindResults{}, err
	}
	page, err := pl.executor.Execute(ctx, plan, req.Page, s.pageSize)
	if err != nil {
		return FindResults{}, err
	}
	types, err := pl.executor.Types(ctx, plan)
	if err != nil {
		return FindResults{}, err
	}
	columns := pl.schema.VisibleFields(types, schema.ScopeList)
	tickets, err := pl.assembler.PopulateMany(ctx, page.IDs, columns, ticket.List)
	if err != nil {
		return FindResults{}, err
	}
	facets, err := pl.executor.Facets(ctx, plan, pl.schema, drillDownFields(pl.schema.VisibleFields(types, schema.ScopeAll)))
	if err != nil {
		return FindResults{}, err
	}

	return FindResults{
		IDs:      page.IDs,
		Total:    page.Total,
		Page:     req.Page,
		PageSize: s.pageSize,
		Types:    types,
		Terms:    plan.Terms,
		Tickets:  tickets,
		Columns:  columns,
		Facets:   facets,
		Sort:     req.Sort,
	}, nil
}

func drillDownFields(visible []schema.FieldDescriptor) []schema.FieldID {
	ids := make([]schema.FieldID, 0)
	for _, f := range visible {
		if f.Flags.Has(schema.FlagDrillDown) {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// GetOne loads a ticket with all detail fields. Tickets the user cannot
// read are reported as missing; a reader lacking perm gets ErrNotAuthorized.
func (s *Service) GetOne(ctx context.Context, ticketID int64, uid access.UserID, perm access.Permission) (*ticket.Ticket, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return nil, err
	}
	return s.getOne(ctx, s.pipeline(), p, ticketID, perm)
}

func (s *Service) getOne(ctx context.Context, pl pipeline, p access.Principal, ticketID int64, perm access.Permission) (*ticket.Ticket, error) {
	tk, err := pl.assembler.Populate(ctx, ticketID, ticket.Details)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertAccess(ctx, p, tk.ACLID, access.PermRead); err != nil {
		if errors.Is(err, apperr.ErrNotAuthorized) {
			return nil, apperr.NotFound("ticket %d", ticketID)
		}
		return nil, err
	}
	if perm != 0 && perm != access.PermRead {
		if err := s.access.AssertAccess(ctx, p, tk.ACLID, perm); err != nil {
			return nil, err
		}
	}
	return tk, nil
}

// Update applies field changes and returns the ticket as stored afterwards.
func (s *Service) Update(ctx context.Context, uid access.UserID, ticketID int64, input FieldInput) (*ticket.Ticket, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return nil, err
	}
	pl := s.pipeline()
	if _, err := s.getOne(ctx, pl, p, ticketID, access.PermUpdate); err != nil {
		return nil, err
	}
	changes, err := parseInput(pl, input)
	if err != nil {
		return nil, err
	}
	if err := pl.writer.UpdateFields(ctx, p, ticketID, changes); err != nil {
		return nil, err
	}
	updated, err := pl.assembler.Populate(ctx, ticketID, ticket.Details)
	if err != nil {
		return nil, err
	}
	s.afterWrite(pl.schema, p, updated, fmt.Sprintf("Update ticket #%d", ticketID))
	return updated, nil
}

// CreateFromTemplate instantiates a template with optional overrides.
func (s *Service) CreateFromTemplate(ctx context.Context, uid access.UserID, templateID int64, input FieldInput) (*ticket.Ticket, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return nil, err
	}
	pl := s.pipeline()
	if _, err := s.getOne(ctx, pl, p, templateID, access.PermCreate); err != nil {
		return nil, err
	}
	overrides, err := parseInput(pl, input)
	if err != nil {
		return nil, err
	}
	id, err := pl.writer.CreateFromTemplate(ctx, p, templateID, overrides)
	if err != nil {
		return nil, err
	}
	created, err := pl.assembler.Populate(ctx, id, ticket.Details)
	if err != nil {
		return nil, err
	}
	s.afterWrite(pl.schema, p, created, fmt.Sprintf("Create ticket #%d from template #%d", id, templateID))
	return created, nil
}

// Delete removes a ticket for good. Its wiki history stays on disk.
func (s *Service) Delete(ctx context.Context, uid access.UserID, ticketID int64) error {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return err
	}
	pl := s.pipeline()
	if _, err := s.getOne(ctx, pl, p, ticketID, access.PermDelete); err != nil {
		return err
	}
	if err := pl.writer.Nuke(ctx, p, ticketID); err != nil {
		return err
	}
	s.engine.DeleteTicket(ticketID)
	return nil
}

func (s *Service) Changelog(ctx context.Context, uid access.UserID, ticketID int64) ([]ticket.ChangelogEntry, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return nil, err
	}
	pl := s.pipeline()
	if _, err := s.getOne(ctx, pl, p, ticketID, access.PermRead); err != nil {
		return nil, err
	}
	return pl.writer.Changelog(ctx, ticketID)
}

func (s *Service) UploadAttachment(ctx context.Context, uid access.UserID, ticketID int64, filename, mime string, r io.Reader, size int64) (fields.AttachmentMeta, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return fields.AttachmentMeta{}, err
	}
	if _, err := s.getOne(ctx, s.pipeline(), p, ticketID, access.PermUpdate); err != nil {
		return fields.AttachmentMeta{}, err
	}
	return s.attachments.Upload(ctx, p, ticketID, filename, mime, r, size)
}

// OpenAttachment returns the metadata and content of one attachment; the
// caller closes the reader.
func (s *Service) OpenAttachment(ctx context.Context, uid access.UserID, ticketID, binaryID int64) (fields.AttachmentMeta, io.ReadCloser, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return fields.AttachmentMeta{}, nil, err
	}
	return s.attachments.Open(ctx, p, ticketID, binaryID)
}

// Revisions lists the page history of a wiki ticket, newest first.
func (s *Service) Revisions(ctx context.Context, uid access.UserID, ticketID int64, limit int) ([]wiki.Revision, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return nil, err
	}
	if _, err := s.getOne(ctx, s.pipeline(), p, ticketID, access.PermRead); err != nil {
		return nil, err
	}
	return s.wiki.History(ticketID, limit)
}

// Revision returns the page at hash; an empty hash means the newest one.
func (s *Service) Revision(ctx context.Context, uid access.UserID, ticketID int64, hash string) (wiki.Page, error) {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return wiki.Page{}, err
	}
	if _, err := s.getOne(ctx, s.pipeline(), p, ticketID, access.PermRead); err != nil {
		return wiki.Page{}, err
	}
	return s.wiki.Content(ticketID, hash)
}

// RegisterFieldHandler installs a plugin's handler for fieldID.
func (s *Service) RegisterFieldHandler(fieldID schema.FieldID, h fields.Handler) error {
	if fieldID <= 0 || h == nil {
		return apperr.InvalidValue("field handler for id %d", fieldID)
	}
	s.handlers.Register(fieldID, h)
	return nil
}

// ReloadSchema rereads fields and types. Only administrators may trigger it.
func (s *Service) ReloadSchema(ctx context.Context, uid access.UserID) error {
	p, err := s.access.Principal(ctx, uid)
	if err != nil {
		return err
	}
	if !p.IsAdmin {
		return apperr.NotAuthorized("schema reload by user %d", uid)
	}
	reg, err := s.schema.Reload(ctx)
	if err != nil {
		return apperr.Store("schema", err)
	}
	s.log.Info().Int("fields", len(reg.Fields())).Int("types", len(reg.Types())).Msg("schema reloaded")
	return nil
}

// Reindex pushes every ticket into the external engine.
func (s *Service) Reindex(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `SELECT i FROM tickets ORDER BY i`)
	if err != nil {
		return apperr.Store("reindex", fmt.Errorf("list tickets: %w", err))
	}
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return apperr.Store("reindex", fmt.Errorf("scan ticket id: %w", err))
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.Store("reindex", fmt.Errorf("iterate tickets: %w", err))
	}

	pl := s.pipeline()
	for chunk := range slices.Chunk(ids, reindexBatch) {
		tickets, err := pl.assembler.PopulateMany(ctx, chunk, nil, ticket.Details)
		if err != nil {
			return err
		}
		docs := make([]search.TicketDocument, 0, len(tickets))
		for _, id := range chunk {
			if tk, ok := tickets[id]; ok {
				docs = append(docs, s.document(pl.schema, tk))
			}
		}
		s.engine.Reindex(docs)
	}
	s.log.Info().Int("tickets", len(ids)).Msg("search index rebuilt")
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	return nil
}

// afterWrite refreshes the search index and, for wiki tickets, records a
// page revision. Both are best effort once the write has committed.
func (s *Service) afterWrite(reg *schema.Registry, p access.Principal, tk *ticket.Ticket, message string) {
	s.engine.IndexTicket(s.document(reg, tk))

	typ, ok := reg.Type(tk.TypeID)
	if !ok || typ.Name != wikiTypeName || tk.IsTemplate {
		return
	}
	page := wiki.Page{Title: tk.Title, Body: s.formatter.Text(tk, schema.FieldDescription)}
	if _, err := s.wiki.Commit(tk.ID, page, p.User.Login, message); err != nil {
		s.log.Warn().Err(err).Int64("ticket", tk.ID).Msg("record wiki revision")
	}
}

// document carries every searchable text field so that engine hits cover
// the same fields as SQL fulltext.
func (s *Service) document(reg *schema.Registry, tk *ticket.Ticket) search.TicketDocument {
	doc := search.TicketDocument{
		ID:         tk.ID,
		TypeID:     int64(tk.TypeID),
		ACLID:      int64(tk.ACLID),
		IsTemplate: tk.IsTemplate,
		Title:      tk.Title,
		Body:       s.formatter.Text(tk, schema.FieldDescription),
		Keywords:   []string{},
	}
	if v, ok := tk.Value(schema.FieldKeywords); ok {
		if list, ok := v.([]fields.Value); ok {
			for _, item := range list {
				if kw, ok := item.(string); ok {
					doc.Keywords = append(doc.Keywords, kw)
				}
			}
		}
	}
	var extra []string
	for _, f := range reg.Fields() {
		if f.AliasOf != 0 || f.Table != schema.TableTexts || !f.Flags.Has(schema.FlagSearchable) {
			continue
		}
		switch f.ID {
		case schema.FieldTitle, schema.FieldDescription, schema.FieldKeywords:
			continue
		}
		if text := s.formatter.Text(tk, f.ID); text != "" {
			extra = append(extra, text)
		}
	}
	doc.Text = strings.Join(extra, "\n")
	return doc
}

// parseInput resolves field keys against the schema and parses their values.
func parseInput(pl pipeline, input FieldInput) (ticket.Changes, error) {
	changes := make(ticket.Changes, len(input))
	for key, raw := range input {
		f, ok := fieldByKey(pl.schema, key)
		if !ok {
			return nil, apperr.InvalidValue("unknown field %q", key)
		}
		if len(raw) == 0 {
			changes[f.ID] = nil
			continue
		}
		v, err := pl.writer.ParseValue(f.ID, raw)
		if err != nil {
			return nil, err
		}
		changes[f.ID] = v
	}
	return changes, nil
}

// fieldByKey finds a field by name, ignoring case, or by numeric id.
func fieldByKey(reg *schema.Registry, key string) (schema.FieldDescriptor, bool) {
	key = strings.TrimSpace(key)
	if n, err := strconv.Atoi(key); err == nil {
		return reg.Field(schema.FieldID(n))
	}
	for _, f := range reg.Fields() {
		if strings.EqualFold(f.Name, key) {
			return f, true
		}
	}
	return schema.FieldDescriptor{}, false
}

// typeByKey finds a ticket type by name, ignoring case, or by numeric id.
func typeByKey(reg *schema.Registry, key string) (schema.TicketType, bool) {
	key = strings.TrimSpace(key)
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return reg.Type(schema.TypeID(n))
	}
	for _, t := range reg.Types() {
		if strings.EqualFold(t.Name, key) {
			return t, true
		}
	}
	return schema.TicketType{}, false
}
