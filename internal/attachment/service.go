// Package attachment stores ticket attachments: bytes go to a blob store,
// metadata to ticket_binaries where the attachments field handler reads it.
package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"doreen/api/internal/access"
	"doreen/api/internal/apperr"
	"doreen/api/internal/fields"
	"doreen/api/internal/store"
	"doreen/api/internal/util"
)

// MaxSize bounds a single upload.
const MaxSize = 32 << 20

type Service struct {
	db     *store.DB
	blobs  Blobs
	access *access.Resolver
	now    func() time.Time
}

func NewService(db *store.DB, blobs Blobs, resolver *access.Resolver) *Service {
	return &Service{db: db, blobs: blobs, access: resolver, now: time.Now}
}

// Upload stores r as a new attachment of ticketID. The principal needs
// UPDATE on the ticket.
func (s *Service) Upload(ctx context.Context, p access.Principal, ticketID int64, filename, mime string, r io.Reader, size int64) (fields.AttachmentMeta, error) {
	filename = path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if filename == "" || filename == "." || filename == "/" {
		return fields.AttachmentMeta{}, apperr.InvalidValue("attachment needs a file name")
	}
	if size < 0 || size > MaxSize {
		return fields.AttachmentMeta{}, apperr.InvalidValue("attachment size %d outside 0..%d", size, MaxSize)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	var aid access.ACLID
	err := s.db.QueryRow(ctx, `SELECT aid FROM tickets WHERE i = ?`, ticketID).Scan(&aid)
	if errors.Is(err, sql.ErrNoRows) {
		return fields.AttachmentMeta{}, apperr.NotFound("ticket %d", ticketID)
	}
	if err != nil {
		return fields.AttachmentMeta{}, apperr.Store("attachment", fmt.Errorf("read ticket %d: %w", ticketID, err))
	}
	if err := s.access.AssertAccess(ctx, p, aid, access.PermUpdate); err != nil {
		return fields.AttachmentMeta{}, err
	}

	key := fmt.Sprintf("tickets/%d/%s", ticketID, util.NewID(""))
	if err := s.blobs.Put(ctx, key, io.LimitReader(r, size), size, mime); err != nil {
		return fields.AttachmentMeta{}, fmt.Errorf("store attachment: %w", err)
	}
	id, err := store.InsertID(ctx, s.db, `
		INSERT INTO ticket_binaries (i, filename, mime, size, object_key, created_dt, uploaded_uid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "id", ticketID, filename, mime, size, key, s.now().Unix(), int64(p.User.ID))
	if err != nil {
		_ = s.blobs.Remove(ctx, key)
		return fields.AttachmentMeta{}, apperr.Store("attachment", fmt.Errorf("insert attachment row: %w", err))
	}
	return fields.AttachmentMeta{ID: id, Filename: filename, Mime: mime, Size: size}, nil
}

// Open returns an attachment's metadata and bytes. Attachments of tickets
// the principal cannot read are reported as missing.
func (s *Service) Open(ctx context.Context, p access.Principal, ticketID, binaryID int64) (fields.AttachmentMeta, io.ReadCloser, error) {
	var (
		meta fields.AttachmentMeta
		key  string
		aid  access.ACLID
	)
	err := s.db.QueryRow(ctx, `
		SELECT b.id, b.filename, b.mime, b.size, b.object_key, t.aid
		FROM ticket_binaries b
		JOIN tickets t ON t.i = b.i
		WHERE b.id = ? AND b.i = ?
	`, binaryID, ticketID).Scan(&meta.ID, &meta.Filename, &meta.Mime, &meta.Size, &key, &aid)
	if errors.Is(err, sql.ErrNoRows) {
		return fields.AttachmentMeta{}, nil, apperr.NotFound("attachment %d of ticket %d", binaryID, ticketID)
	}
	if err != nil {
		return fields.AttachmentMeta{}, nil, apperr.Store("attachment", fmt.Errorf("read attachment %d: %w", binaryID, err))
	}
	if err := s.access.AssertAccess(ctx, p, aid, access.PermRead); err != nil {
		if errors.Is(err, apperr.ErrNotAuthorized) {
			return fields.AttachmentMeta{}, nil, apperr.NotFound("attachment %d of ticket %d", binaryID, ticketID)
		}
		return fields.AttachmentMeta{}, nil, err
	}

	body, err := s.blobs.Get(ctx, key)
	if errors.Is(err, ErrBlobNotFound) {
		return fields.AttachmentMeta{}, nil, apperr.NotFound("attachment %d content", binaryID)
	}
	if err != nil {
		return fields.AttachmentMeta{}, nil, fmt.Errorf("open attachment: %w", err)
	}
	return meta, body, nil
}
